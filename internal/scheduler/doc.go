// Package scheduler fires bots on cron schedules through the bot manager.
//
// Each task owns its own robfig/cron entry driven by Expr, a five-field
// matcher evaluated at minute granularity. Scheduling is coarse: a task fires
// at the start of a matching minute, never at a second offset, and a matching
// minute missed while the process was down is not replayed.
//
// Task callbacks absorb their own failures. A failing or panicking task is
// logged and recorded, and the remaining tasks keep running. Stop prevents
// future firings only; work already in flight is left to finish.
package scheduler
