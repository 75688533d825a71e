// Package scheduler provides the per-job trigger and the cron loop that fires it.
//
// The scheduler is responsible only for:
//   - parsing and validating cron expressions (seconds optional, Quartz "?" accepted)
//   - computing fire times, including misfire recovery
//   - invoking the job's fire callback on time or on demand
package scheduler
