// SPDX-License-Identifier: Apache-2.0

package steps

import (
	"context"
	"fmt"

	"github.com/funnelline/ingest/internal/pipeline"
)

// resolvePerson applies the event's identity side effects ($identify,
// $create_alias, $set/$set_once) and hands downstream steps the person
// container.
func (s *Set) resolvePerson(ctx context.Context, c pipeline.ResolvePerson) (pipeline.Continuation, error) {
	container, err := s.deps.Persons.Resolve(ctx, c.Event)
	if err != nil {
		return nil, fmt.Errorf("resolve person: %w", err)
	}
	return pipeline.PrepareEvent{Event: c.Event, Person: container}, nil
}
