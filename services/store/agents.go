// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel/attribute"

	"github.com/EngramAI/EngramLocal/services/orchestrator/datatypes"
)

// Agents are keyed by owner; the global slug index stores the primary key so
// a slug lookup costs two point reads.
func agentKey(userID, agentID string) []byte {
	return []byte(fmt.Sprintf("agent/%s/%s", userID, agentID))
}

func agentPrefix(userID string) []byte {
	return []byte(fmt.Sprintf("agent/%s/", userID))
}

func agentSlugKey(slug string) []byte {
	return []byte("agentslug/" + slug)
}

// PutAgent persists an agent record and its slug index entry. A slug already
// claimed by a different agent fails with ErrSlugTaken; re-slugging an agent
// retires its old index entry.
func (s *Store) PutAgent(ctx context.Context, agent *datatypes.Agent) error {
	ctx, span := tracer.Start(ctx, "store.PutAgent")
	defer span.End()

	if agent == nil {
		return errors.New("agent record is required")
	}
	span.SetAttributes(attribute.String("agent_id", agent.AgentID))
	if err := agent.Validate(); err != nil {
		span.RecordError(err)
		return err
	}
	if err := checkSegment("agent id", agent.AgentID); err != nil {
		span.RecordError(err)
		return err
	}
	if err := checkSegment("user id", agent.UserID); err != nil {
		span.RecordError(err)
		return err
	}

	primary := agentKey(agent.UserID, agent.AgentID)
	err := s.update(ctx, func(txn *badger.Txn) error {
		if agent.AgentSlug != "" {
			owner, err := slugOwner(txn, agent.AgentSlug)
			if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if err == nil && owner != string(primary) {
				return fmt.Errorf("%w: %s", ErrSlugTaken, agent.AgentSlug)
			}
		}

		var prev datatypes.Agent
		switch err := getJSON(txn, primary, &prev); {
		case err == nil:
			if prev.AgentSlug != "" && prev.AgentSlug != agent.AgentSlug {
				if err := txn.Delete(agentSlugKey(prev.AgentSlug)); err != nil {
					return err
				}
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		if err := setJSON(txn, primary, agent); err != nil {
			return err
		}
		if agent.AgentSlug != "" {
			return txn.Set(agentSlugKey(agent.AgentSlug), primary)
		}
		return nil
	})
	if errors.Is(err, ErrSlugTaken) {
		span.RecordError(err)
		return err
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to store agent %q: %w", agent.AgentID, err)
	}

	s.logger.Debug("Stored agent",
		slog.String("user_id", agent.UserID),
		slog.String("agent_id", agent.AgentID),
		slog.String("slug", agent.AgentSlug))
	return nil
}

// GetAgent loads one agent owned by userID.
func (s *Store) GetAgent(ctx context.Context, userID, agentID string) (*datatypes.Agent, error) {
	ctx, span := tracer.Start(ctx, "store.GetAgent")
	defer span.End()
	span.SetAttributes(attribute.String("agent_id", agentID))

	var agent datatypes.Agent
	err := s.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, agentKey(userID, agentID), &agent)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to load agent %q: %w", agentID, err)
	}
	return &agent, nil
}

// GetAgentBySlug resolves a slug through the index and loads its agent.
func (s *Store) GetAgentBySlug(ctx context.Context, slug string) (*datatypes.Agent, error) {
	ctx, span := tracer.Start(ctx, "store.GetAgentBySlug")
	defer span.End()
	span.SetAttributes(attribute.String("slug", slug))

	var agent datatypes.Agent
	err := s.view(ctx, func(txn *badger.Txn) error {
		owner, err := slugOwner(txn, slug)
		if err != nil {
			return err
		}
		return getJSON(txn, []byte(owner), &agent)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: slug %s", ErrAgentNotFound, slug)
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to load agent by slug %q: %w", slug, err)
	}
	return &agent, nil
}

// ListAgents returns every agent registered by userID in creation order.
func (s *Store) ListAgents(ctx context.Context, userID string) ([]datatypes.Agent, error) {
	ctx, span := tracer.Start(ctx, "store.ListAgents")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userID))

	var out []datatypes.Agent
	err := s.view(ctx, func(txn *badger.Txn) error {
		prefix := agentPrefix(userID)
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var agent datatypes.Agent
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &agent)
			})
			if err != nil {
				return fmt.Errorf("failed to decode agent %s: %w", it.Item().Key(), err)
			}
			out = append(out, agent)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list agents for user %q: %w", userID, err)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].AgentID < out[j].AgentID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	span.SetAttributes(attribute.Int("agents", len(out)))
	return out, nil
}

// DeleteAgent removes an agent record and its slug index entry. The caller
// is responsible for dropping the agent's vector collection first.
func (s *Store) DeleteAgent(ctx context.Context, userID, agentID string) error {
	ctx, span := tracer.Start(ctx, "store.DeleteAgent")
	defer span.End()
	span.SetAttributes(attribute.String("agent_id", agentID))

	err := s.update(ctx, func(txn *badger.Txn) error {
		primary := agentKey(userID, agentID)
		var agent datatypes.Agent
		if err := getJSON(txn, primary, &agent); err != nil {
			return err
		}
		if agent.AgentSlug != "" {
			if err := txn.Delete(agentSlugKey(agent.AgentSlug)); err != nil {
				return err
			}
		}
		return txn.Delete(primary)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete agent %q: %w", agentID, err)
	}

	s.logger.Info("Deleted agent",
		slog.String("user_id", userID),
		slog.String("agent_id", agentID))
	return nil
}

func slugOwner(txn *badger.Txn, slug string) (string, error) {
	item, err := txn.Get(agentSlugKey(slug))
	if err != nil {
		return "", err
	}
	var owner string
	err = item.Value(func(val []byte) error {
		owner = string(val)
		return nil
	})
	return owner, err
}
