// Package setup verifies that a directory can be bootstrapped: it must hold a
// package manifest and the package manager must be available on PATH.
//
// It only holds checks and constants, so it logs through a package level
// logger configured with SetLogger.
package setup
