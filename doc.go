// Package mitigo hardens function call boundaries of compiled x86 code
// against control-flow and data-leak attacks.
//
// A [Pass] runs two transformations over each [Function]:
//
//   - the call-site hardener, which gives every function a private stack
//     with a saved stack pointer (the canary), clears argument registers a
//     call does not use, and checks the stack pointer after each call
//     without branching;
//   - the frame zero-initializer, which stores zero into every stack slot
//     range the function reads before anything else runs.
//
// [Pass.RunModule] can also rewrite a [Module] as a whole: calls into code
// the module does not define are fenced with LFENCE, and C heap
// allocations are made zero-filled.
//
// Mitigations are selected with a [Config], usually built from a category
// list with [ParseCategories]. Functions can be built directly or lifted
// from machine code with [Lift] and [LiftELF].
package mitigo
