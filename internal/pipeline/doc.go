// Package pipeline supplies the built-in stage handlers wired into the
// worker at daemon startup: request validation, source retrieval, primary and
// secondary artifact generation, post-processing assembly, and requester
// notification. Every handler is re-runnable so a crashed or duplicated
// invocation converges on the same result.
package pipeline
