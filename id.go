package sluice

import "github.com/xraph/sluice/id"

// ID is the primary identifier type for all Sluice entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
