package cadence

import "github.com/podworks/cadence/id"

// ID is the primary identifier type for all cadence entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
