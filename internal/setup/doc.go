// Package setup checks the host before a build session starts and knows where
// configuration lives.
//
// This package is essentially a collection of checks and constants, and is therefore the only package that is
// allowed to call a global logger.
package setup
