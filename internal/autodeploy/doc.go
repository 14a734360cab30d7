// Package autodeploy turns bot state changes into debounced, rate limited
// deployment runs.
//
// A (botType, action) pair listed in the trigger table queues one deployment
// after a fixed delay. While it is queued, further triggers for the same pair
// are ignored. The deployment itself runs through the bot manager, so it
// passes the deployment bot's circuit breaker and single-flight guard.
//
// Rate limiting uses a fixed hourly window anchored at construction time:
// the successful-deployment counter resets each time a whole hour has elapsed
// since the anchor, checked lazily on use. A burst that straddles a window
// boundary can therefore run up to twice the cap within sixty minutes. A
// sliding window would close that gap; the fixed window is kept because the
// cap guards against runaway loops rather than enforcing a quota.
package autodeploy
