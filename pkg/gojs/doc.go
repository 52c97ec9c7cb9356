// SPDX-License-Identifier: MPL-2.0

// Package gojs is a script.Compiler for CommonJS JavaScript modules backed
// by goja.
//
// Module code runs inside the usual wrapper function receiving exports,
// require, module, __filename and __dirname. require goes through the
// engine, so resolution, caching and reload behave the same for every
// loader; JSON and other non-JavaScript modules are converted on the way in.
// Each worker owns one goja runtime, kept in the module handle's
// worker-local storage.
package gojs
