// Package versionstore records the last version committed for each partition.
//
// After a restart the controller reopens the recorded private version when it
// was built on the version being loaded, so real-time data committed before
// the restart is not ingested again. Records only move forward: a Put with an
// older version than the stored one fails with ErrStale.
package versionstore
