package chain

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/kyomei-indexer/kyomei/pkg/models"
)

// New dials the Source variant named by desc.Source.Kind.
func New(desc models.ChainDescriptor, logger zerolog.Logger) (Source, error) {
	switch desc.Source.Kind {
	case models.SourcePollingRPC:
		return NewPollingSource(desc, logger)
	case models.SourceArchivalQuery:
		return NewArchivalSource(desc, logger)
	case models.SourceValidatedStream:
		return NewValidatedStreamSource(desc, logger)
	default:
		return nil, fmt.Errorf("unknown source kind %q for chain %q", desc.Source.Kind, desc.Name)
	}
}
