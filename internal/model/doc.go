// Package model defines shared data types used across the HSM feed client.
//
// Conventions:
//   - Identifiers: "<segment>|<code>" exchange-scoped keys (e.g. "nse_cm|3456")
//   - Prices: float64 rupees as published by the feed
//   - Timestamps: time.Time local receive time
package model
