// Package sources links every vendor connector into the binary. Importing
// it registers dexcom, librelinkup and mylife with the connector registry.
package sources

import (
	// Vendor connectors register themselves from init()
	_ "github.com/nocturne/connectors/pkg/connector/sources/dexcom"
	_ "github.com/nocturne/connectors/pkg/connector/sources/librelinkup"
	_ "github.com/nocturne/connectors/pkg/connector/sources/mylife"
)
