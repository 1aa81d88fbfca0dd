// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/kraklabs/lineage/pkg/lineage"
)

// AssetLabel is carried by every node so one uniqueness constraint covers
// all entity kinds.
const AssetLabel = "Asset"

// Neo4jConfig configures the bolt connection.
type Neo4jConfig struct {
	URI            string
	User           string
	Password       string
	Database       string
	MaxPoolSize    int
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

// Neo4jStore is a Store backed by a Neo4j server.
//
// Every write is one explicit transaction running a single UNWIND statement,
// so retries stay under the BatchWriter's control rather than the driver's.
type Neo4jStore struct {
	driver   neo4j.DriverWithContext
	database string
	logger   *slog.Logger
	now      func() time.Time

	entityCypher string
	relCypher    string
	relByID      string
	relReview    string
}

// NewNeo4jStore connects to the server and verifies connectivity.
func NewNeo4jStore(ctx context.Context, cfg Neo4jConfig) (*Neo4jStore, error) {
	if strings.TrimSpace(cfg.URI) == "" {
		return nil, fmt.Errorf("neo4j: uri required")
	}
	if cfg.User == "" {
		cfg.User = "neo4j"
	}
	if cfg.MaxPoolSize <= 0 {
		cfg.MaxPoolSize = 50
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	auth := neo4j.BasicAuth(cfg.User, cfg.Password, "")
	driver, err := neo4j.NewDriverWithContext(cfg.URI, auth, func(c *neo4j.Config) {
		c.MaxConnectionPoolSize = cfg.MaxPoolSize
		c.SocketConnectTimeout = cfg.ConnectTimeout
		c.ConnectionAcquisitionTimeout = cfg.ConnectTimeout
	})
	if err != nil {
		return nil, fmt.Errorf("neo4j: init driver: %w", err)
	}

	vctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := driver.VerifyConnectivity(vctx); err != nil {
		_ = driver.Close(ctx)
		return nil, classify("connect", err)
	}

	logger.Info("graph.neo4j.connected", "uri", cfg.URI, "database", cfg.Database)
	return &Neo4jStore{
		driver:       driver,
		database:     cfg.Database,
		logger:       logger,
		now:          time.Now,
		entityCypher: entityUpsertCypher(),
		relCypher:    relationshipUpsertCypher(),
		relByID:      relationshipByIDCypher(),
		relReview:    relationshipReviewCypher(),
	}, nil
}

// classify wraps a driver error with its retry classification.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	transient := neo4j.IsRetryable(err) ||
		neo4j.IsConnectivityError(err) ||
		errors.Is(err, context.DeadlineExceeded)
	return &StoreError{Op: op, Transient: transient, Err: err}
}

// EnsureSchema creates the id constraint and lookup indexes.
func (s *Neo4jStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE CONSTRAINT asset_id_unique IF NOT EXISTS FOR (n:Asset) REQUIRE n.id IS UNIQUE`,
		`CREATE INDEX asset_kind_idx IF NOT EXISTS FOR (n:Asset) ON (n.kind)`,
		`CREATE INDEX asset_name_idx IF NOT EXISTS FOR (n:Asset) ON (n.name)`,
	}
	for _, k := range lineage.RelationshipKinds {
		stmts = append(stmts,
			fmt.Sprintf("CREATE INDEX rel_%s_id_idx IF NOT EXISTS FOR ()-[r:%s]-() ON (r.id)", strings.ToLower(string(k)), k),
			fmt.Sprintf("CREATE INDEX rel_%s_status_idx IF NOT EXISTS FOR ()-[r:%s]-() ON (r.status)", strings.ToLower(string(k)), k),
		)
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: s.database,
	})
	defer func() { _ = session.Close(ctx) }()

	for _, stmt := range stmts {
		res, err := session.Run(ctx, stmt, nil)
		if err != nil {
			return classify("ensure schema", err)
		}
		if _, err := res.Consume(ctx); err != nil {
			return classify("ensure schema", err)
		}
	}
	s.logger.Debug("graph.neo4j.schema", "statements", len(stmts))
	return nil
}

// entityUpsertCypher builds the node MERGE. Kind labels are swapped with
// FOREACH guards because Cypher has no parameterised labels.
func entityUpsertCypher() string {
	var b strings.Builder
	b.WriteString(`UNWIND $rows AS row
MERGE (n:Asset {id: row.id})
ON CREATE SET n.created_at = row.seen_at, n.defined = false
SET n.last_seen_at = row.seen_at
WITH n, row, (row.defined OR n.defined = false) AS apply
FOREACH (_ IN CASE WHEN apply THEN [1] ELSE [] END |
  SET n += row.attrs, n.kind = row.kind, n.name = row.name, n.defined = n.defined OR row.defined
`)
	labels := make([]string, 0, len(lineage.EntityKinds))
	for _, k := range lineage.EntityKinds {
		labels = append(labels, string(k))
	}
	fmt.Fprintf(&b, "  REMOVE n:%s\n)\n", strings.Join(labels, ":"))
	for _, k := range lineage.EntityKinds {
		fmt.Fprintf(&b, "FOREACH (_ IN CASE WHEN n.kind = '%s' THEN [1] ELSE [] END | SET n:%s)\n", k, k)
	}
	return b.String()
}

// relationshipUpsertCypher builds the edge MERGE. Immutable fields are set
// only on create; a re-seen edge moves last_seen_at and takes the latest
// non-empty evidence.
func relationshipUpsertCypher() string {
	var b strings.Builder
	b.WriteString(`UNWIND $rows AS row
MERGE (a:Asset {id: row.source_id})
ON CREATE SET a.kind = 'Table', a.name = row.source_name, a.defined = false, a.created_at = row.seen_at, a:Table
MERGE (b:Asset {id: row.target_id})
ON CREATE SET b.kind = 'Table', b.name = row.target_name, b.defined = false, b.created_at = row.seen_at, b:Table
`)
	for _, k := range lineage.RelationshipKinds {
		fmt.Fprintf(&b, `FOREACH (_ IN CASE WHEN row.kind = '%[1]s' THEN [1] ELSE [] END |
  MERGE (a)-[r:%[1]s {id: row.id}]->(b)
  ON CREATE SET r += row.props, r.first_seen_at = row.seen_at
  ON MATCH SET r.evidence = CASE WHEN row.props.evidence = '' THEN r.evidence ELSE row.props.evidence END
  SET r.last_seen_at = row.seen_at
)
`, k)
	}
	return b.String()
}

// matchRelationshipByID unions one typed MATCH per kind so each branch can
// use that kind's id index.
func matchRelationshipByID(pattern string) string {
	var b strings.Builder
	b.WriteString("CALL {\n")
	for i, k := range lineage.RelationshipKinds {
		if i > 0 {
			b.WriteString("  UNION ALL\n")
		}
		fmt.Fprintf(&b, "  "+pattern+"\n", k)
	}
	b.WriteString("}\n")
	return b.String()
}

func relationshipByIDCypher() string {
	return matchRelationshipByID("MATCH (a:Asset)-[r:%s {id: $id}]->(b:Asset) RETURN r, a, b") + relationshipReturn
}

func relationshipReviewCypher() string {
	return matchRelationshipByID("MATCH ()-[r:%s {id: $id}]->() RETURN r") +
		`SET r.status = $status, r.reviewed_by = $by, r.reviewed_at = $at, r.review_note = $note
RETURN count(r) AS n`
}

func (s *Neo4jStore) write(ctx context.Context, op, cypher string, params map[string]any) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: s.database,
	})
	defer func() { _ = session.Close(ctx) }()

	tx, err := session.BeginTransaction(ctx)
	if err != nil {
		return classify(op, err)
	}
	defer func() { _ = tx.Close(ctx) }()

	res, err := tx.Run(ctx, cypher, params)
	if err != nil {
		return classify(op, err)
	}
	if _, err := res.Consume(ctx); err != nil {
		return classify(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(op, err)
	}
	return nil
}

// UpsertEntities merges a batch of nodes in one transaction.
func (s *Neo4jStore) UpsertEntities(ctx context.Context, entities []lineage.Entity) error {
	if len(entities) == 0 {
		return nil
	}
	seen := s.now().UTC().Format(time.RFC3339Nano)
	rows := make([]map[string]any, 0, len(entities))
	for _, e := range entities {
		if err := checkProperties(e.Attributes); err != nil {
			return &StoreError{Op: "upsert entities", Err: fmt.Errorf("%s: %w", e.ID, err)}
		}
		attrs := maps.Clone(e.Attributes)
		if attrs == nil {
			attrs = map[string]any{}
		}
		delete(attrs, lineage.AttrDefined)
		for k, v := range attrs {
			if d, ok := v.(time.Duration); ok {
				attrs[k] = d.String()
			}
		}
		rows = append(rows, map[string]any{
			"id":      e.ID,
			"kind":    string(e.Kind),
			"name":    e.Name,
			"defined": e.Defined(),
			"attrs":   attrs,
			"seen_at": seen,
		})
	}
	return s.write(ctx, "upsert entities", s.entityCypher, map[string]any{"rows": rows})
}

// UpsertRelationships merges a batch of edges in one transaction. Missing
// endpoints are created as referenced-only tables.
func (s *Neo4jStore) UpsertRelationships(ctx context.Context, rels []lineage.Relationship) error {
	if len(rels) == 0 {
		return nil
	}
	seen := s.now().UTC().Format(time.RFC3339Nano)
	rows := make([]map[string]any, 0, len(rels))
	for _, r := range rels {
		if err := r.Validate(); err != nil {
			return &StoreError{Op: "upsert relationships", Err: err}
		}
		rows = append(rows, map[string]any{
			"id":          r.ID,
			"source_id":   r.SourceID,
			"target_id":   r.TargetID,
			"source_name": lineage.NameFromID(r.SourceID),
			"target_name": lineage.NameFromID(r.TargetID),
			"kind":        string(r.Kind),
			"seen_at":     seen,
			"props":       relationshipProps(r),
		})
	}
	return s.write(ctx, "upsert relationships", s.relCypher, map[string]any{"rows": rows})
}

func relationshipProps(r lineage.Relationship) map[string]any {
	props := map[string]any{
		"id":         r.ID,
		"source":     string(r.Source),
		"confidence": r.Confidence,
		"status":     string(r.Status),
		"evidence":   r.Evidence,
		"rationale":  r.Rationale,
		"created_at": formatTime(r.CreatedAt),
	}
	if r.Reviewed() {
		props["reviewed_by"] = r.ReviewedBy
		props["reviewed_at"] = formatTime(r.ReviewedAt)
		props["review_note"] = r.ReviewNote
	}
	return props
}

func (s *Neo4jStore) read(ctx context.Context, op, cypher string, params map[string]any) ([]*neo4j.Record, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeRead,
		DatabaseName: s.database,
	})
	defer func() { _ = session.Close(ctx) }()

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, classify(op, err)
	}
	records, _ := out.([]*neo4j.Record)
	return records, nil
}

// Entity loads one node.
func (s *Neo4jStore) Entity(ctx context.Context, id string) (lineage.Entity, error) {
	records, err := s.read(ctx, "get entity", `MATCH (n:Asset {id: $id}) RETURN n`, map[string]any{"id": id})
	if err != nil {
		return lineage.Entity{}, err
	}
	if len(records) == 0 {
		return lineage.Entity{}, fmt.Errorf("entity %s: %w", id, ErrNotFound)
	}
	raw, _ := records[0].Get("n")
	node, ok := raw.(neo4j.Node)
	if !ok {
		return lineage.Entity{}, fmt.Errorf("entity %s: unexpected value %T", id, raw)
	}
	return entityFromProps(node.Props), nil
}

func entityFromProps(props map[string]any) lineage.Entity {
	e := lineage.Entity{
		ID:         stringProp(props, "id"),
		Kind:       lineage.EntityKind(stringProp(props, "kind")),
		Name:       stringProp(props, "name"),
		Attributes: map[string]any{},
	}
	for k, v := range props {
		switch k {
		case "id", "kind", "name", "created_at", "last_seen_at":
			continue
		}
		e.Attributes[k] = v
	}
	return e
}

const relationshipReturn = `RETURN r, a.id AS src, b.id AS tgt, type(r) AS kind
ORDER BY r.created_at, r.id`

// Relationship loads one edge by id.
func (s *Neo4jStore) Relationship(ctx context.Context, id string) (lineage.Relationship, error) {
	records, err := s.read(ctx, "get relationship", s.relByID, map[string]any{"id": id})
	if err != nil {
		return lineage.Relationship{}, err
	}
	if len(records) == 0 {
		return lineage.Relationship{}, fmt.Errorf("relationship %s: %w", id, ErrNotFound)
	}
	return relationshipFromRecord(records[0])
}

// Relationships queries edges by endpoint. The status part of the filter is
// evaluated by the server; the rest is applied to the result.
func (s *Neo4jStore) Relationships(ctx context.Context, q RelationshipQuery) ([]lineage.Relationship, error) {
	statuses := make([]string, 0, len(q.Filter.Statuses))
	for _, st := range q.Filter.Statuses {
		statuses = append(statuses, string(st))
	}
	cypher := `MATCH (a:Asset)-[r]->(b:Asset)
WHERE ($src = '' OR a.id = $src)
  AND ($tgt = '' OR b.id = $tgt)
  AND ((size($statuses) = 0 AND r.status <> 'rejected') OR r.status IN $statuses)
` + relationshipReturn
	records, err := s.read(ctx, "list relationships", cypher, map[string]any{
		"src":      q.SourceID,
		"tgt":      q.TargetID,
		"statuses": statuses,
	})
	if err != nil {
		return nil, err
	}

	out := make([]lineage.Relationship, 0, len(records))
	for _, rec := range records {
		r, err := relationshipFromRecord(rec)
		if err != nil {
			return nil, err
		}
		if !q.Filter.Match(r) {
			continue
		}
		out = append(out, r)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func relationshipFromRecord(rec *neo4j.Record) (lineage.Relationship, error) {
	raw, _ := rec.Get("r")
	rel, ok := raw.(neo4j.Relationship)
	if !ok {
		return lineage.Relationship{}, fmt.Errorf("unexpected relationship value %T", raw)
	}
	src, _ := rec.Get("src")
	tgt, _ := rec.Get("tgt")
	kind, _ := rec.Get("kind")

	p := rel.Props
	r := lineage.Relationship{
		ID:         stringProp(p, "id"),
		Kind:       lineage.RelationshipKind(fmt.Sprint(kind)),
		Source:     lineage.Source(stringProp(p, "source")),
		Status:     lineage.Status(stringProp(p, "status")),
		Evidence:   stringProp(p, "evidence"),
		Rationale:  stringProp(p, "rationale"),
		CreatedAt:  timeProp(p, "created_at"),
		ReviewedBy: stringProp(p, "reviewed_by"),
		ReviewedAt: timeProp(p, "reviewed_at"),
		ReviewNote: stringProp(p, "review_note"),
	}
	r.SourceID, _ = src.(string)
	r.TargetID, _ = tgt.(string)
	switch c := p["confidence"].(type) {
	case float64:
		r.Confidence = c
	case int64:
		r.Confidence = float64(c)
	}
	return r, nil
}

// UpdateRelationshipStatus writes a review decision onto an edge.
func (s *Neo4jStore) UpdateRelationshipStatus(ctx context.Context, id string, u lineage.StatusUpdate) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: s.database,
	})
	defer func() { _ = session.Close(ctx) }()

	out, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, s.relReview, map[string]any{
			"id":     id,
			"status": string(u.Status),
			"by":     u.ReviewedBy,
			"at":     formatTime(u.ReviewedAt),
			"note":   u.ReviewNote,
		})
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		n, _ := rec.Get("n")
		return n, nil
	})
	if err != nil {
		return classify("update relationship status", err)
	}
	if n, _ := out.(int64); n == 0 {
		return fmt.Errorf("relationship %s: %w", id, ErrNotFound)
	}
	return nil
}

// Ping verifies the server is reachable.
func (s *Neo4jStore) Ping(ctx context.Context) error {
	return classify("ping", s.driver.VerifyConnectivity(ctx))
}

// Close releases the driver's connections.
func (s *Neo4jStore) Close(ctx context.Context) error {
	if s == nil || s.driver == nil {
		return nil
	}
	err := s.driver.Close(ctx)
	s.driver = nil
	return err
}

func stringProp(props map[string]any, key string) string {
	v, _ := props[key].(string)
	return v
}

func timeProp(props map[string]any, key string) time.Time {
	switch v := props[key].(type) {
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err == nil {
			return t
		}
	case time.Time:
		return v
	}
	return time.Time{}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

var _ Store = (*Neo4jStore)(nil)
