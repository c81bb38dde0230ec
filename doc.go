// Package portald implements a small HTTP service that logs into a
// student-information portal on a user's behalf and extracts several
// pages of personal data through a browser-automation engine.
//
// The interesting part is not the scraping but the coordination: all
// work for one external account id is serialized by a distributed lock
// kept in a transactional key-value store (with staleness-based recovery
// from crashed holders), the single expensive automation host is shared
// across requests through a reference-counted pool, and every request is
// bounded by a watchdog that forces lock and resource release exactly
// once if the pipeline overruns its deadline.
//
// The browser-automation engine itself is an external collaborator:
// embedders supply a browser.Launcher for the engine of their choice via
// WithLauncher.
package portald
