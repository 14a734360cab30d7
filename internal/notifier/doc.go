// Package notifier delivers critical error alerts to operators.
//
// Alerts are queued and sent by a small worker pool. Sends are throttled by a
// token bucket, retried with jittered backoff, and identical alerts inside the
// dedup window are suppressed.
//
// # Transport
//
// Delivery goes through a Sender. TelegramSender posts to one or more chats
// with telebot; LogSender writes the alert to the structured log. When the
// primary sender fails after all retries, the alert is written to the log so
// it is never lost silently.
//
// # History
//
// The service keeps a short in-memory history of delivered and failed alerts
// for the admin surface.
package notifier
