// Package types contains shared data types used across the repograph project.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// NodeType classifies a node in the repository knowledge graph.
type NodeType string

const (
	NodeTypeFile      NodeType = "FILE"
	NodeTypeDirectory NodeType = "DIRECTORY"
	NodeTypeFunction  NodeType = "FUNCTION"
	NodeTypeClass     NodeType = "CLASS"
	NodeTypeModule    NodeType = "MODULE"
	NodeTypeConcept   NodeType = "CONCEPT"
	NodeTypeDocument  NodeType = "DOCUMENT"
	NodeTypeSection   NodeType = "SECTION"
	NodeTypeCommit    NodeType = "COMMIT"
)

// RelationType classifies a directed edge between two nodes.
type RelationType string

const (
	RelationContains    RelationType = "CONTAINS"
	RelationPartOf      RelationType = "PART_OF"
	RelationImports     RelationType = "IMPORTS"
	RelationCalls       RelationType = "CALLS"
	RelationEvolvesFrom RelationType = "EVOLVES_FROM"
	RelationRelatesTo   RelationType = "RELATES_TO"
	RelationSupports    RelationType = "SUPPORTS"
	RelationContradicts RelationType = "CONTRADICTS"
)

// Inverse returns the paired relation for containment relations and ""
// for everything else. CONTAINS and PART_OF are always written as a pair.
func (r RelationType) Inverse() RelationType {
	switch r {
	case RelationContains:
		return RelationPartOf
	case RelationPartOf:
		return RelationContains
	}
	return ""
}

// MaxMetadataEntries bounds the open metadata map on a node.
const MaxMetadataEntries = 32

// Node is a typed entity in the repository knowledge graph: a file, a
// function, a document section, a concept.
//
// ID is deterministic: the same repository-relative location always maps to
// the same node, so re-indexing updates in place instead of duplicating.
// Embedding, Signature and ContentHash are derived fields owned by the
// unified store; callers never set them.
type Node struct {
	ID       string            `json:"id"`
	Type     NodeType          `json:"type"`
	Repo     string            `json:"repo"`
	Path     string            `json:"path"` // repo-relative, "#name" suffix for entities
	Name     string            `json:"name,omitempty"`
	Content  string            `json:"content,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	ContentHash      string `json:"content_hash,omitempty"`
	Signature        string `json:"signature,omitempty"`
	EmbeddingPending bool   `json:"embedding_pending,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NodeID derives the stable node identifier from a repository path and a
// node path within it.
func NodeID(repo, path string) string {
	h := sha256.Sum256([]byte(repo + "\x00" + path))
	return hex.EncodeToString(h[:16])
}

// HashContent computes the content hash used to skip unchanged nodes.
func HashContent(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:])
}

// NodeSignature derives a node's content+structure fingerprint: unlike the
// content hash it covers the node's type and location, so two nodes with
// identical text still carry distinct signatures.
func NodeSignature(node *Node) string {
	h := sha256.Sum256([]byte(string(node.Type) + "\x00" + node.Path + "\x00" + node.Content))
	return hex.EncodeToString(h[:])
}

// Edge is a directed, typed, weighted relationship between two nodes.
type Edge struct {
	FromID    string       `json:"from_id"`
	ToID      string       `json:"to_id"`
	Relation  RelationType `json:"relation"`
	Weight    float64      `json:"weight"`
	CreatedAt time.Time    `json:"created_at"`
}

// Direction selects which edges of a node to read.
type Direction int

const (
	DirectionOut Direction = iota
	DirectionIn
	DirectionBoth
)

// VectorHit is a nearest-neighbor match from a vector backend.
type VectorHit struct {
	ID    string
	Score float64 // cosine similarity, higher is closer
}

// QueryResult pairs a node with its final ranking score.
type QueryResult struct {
	Node       *Node   `json:"node"`
	Score      float64 `json:"score"`
	Similarity float64 `json:"similarity"`
	Hops       int     `json:"hops"` // 0 for direct similarity hits
}

// SyncState is the lifecycle state of a repository's index.
type SyncState string

const (
	SyncIdle               SyncState = "idle"
	SyncQueued             SyncState = "queued"
	SyncRunning            SyncState = "running"
	SyncCompleted          SyncState = "completed"
	SyncFailed             SyncState = "failed"
	SyncPartiallyCompleted SyncState = "partially_completed"
	SyncCancelled          SyncState = "cancelled"
)

// SyncStatus tracks per-repository indexing state. Created on first enqueue,
// updated on every job transition, deleted only with the repository.
type SyncStatus struct {
	RepoPath      string     `json:"repo_path"`
	State         SyncState  `json:"state"`
	LastIndexedAt *time.Time `json:"last_indexed_at,omitempty"`
	NodeCount     int        `json:"node_count"`
	EdgeCount     int        `json:"edge_count"`
	Warnings      int        `json:"warnings"`
	Error         string     `json:"error,omitempty"`
}

// JobState is the lifecycle state of a single indexing job.
type JobState string

const (
	JobQueued             JobState = "queued"
	JobRunning            JobState = "running"
	JobCompleted          JobState = "completed"
	JobFailed             JobState = "failed"
	JobCancelled          JobState = "cancelled"
	JobPartiallyCompleted JobState = "partially_completed"
)

// Terminal reports whether the job can no longer change state.
func (s JobState) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled, JobPartiallyCompleted:
		return true
	}
	return false
}

// IndexJob is one queued run over a repository. Consumed by exactly one
// worker.
type IndexJob struct {
	ID         string     `json:"id"`
	RepoPath   string     `json:"repo_path"`
	Force      bool       `json:"force"`
	State      JobState   `json:"state"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
	Warnings   []string   `json:"warnings,omitempty"`
}

// EntityKind is what a parser extracted from a file.
type EntityKind string

const (
	EntityFunction EntityKind = "function"
	EntityMethod   EntityKind = "method"
	EntityClass    EntityKind = "class"
	EntitySection  EntityKind = "section"
	EntityDocument EntityKind = "document"
	EntityConfig   EntityKind = "config"
)

// NodeType maps an entity kind onto the graph node type it becomes.
func (k EntityKind) NodeType() NodeType {
	switch k {
	case EntityFunction, EntityMethod:
		return NodeTypeFunction
	case EntityClass:
		return NodeTypeClass
	case EntitySection:
		return NodeTypeSection
	case EntityDocument:
		return NodeTypeDocument
	case EntityConfig:
		return NodeTypeModule
	}
	return NodeTypeFile
}

// Entity is a single extracted definition within a file.
type Entity struct {
	Kind      EntityKind
	Name      string
	Content   string
	StartLine int
	EndLine   int
	Doc       string            // documentation comment, if any
	Parent    string            // enclosing entity name, "" for top level
	Metadata  map[string]string // language-specific attributes
}

// RelKind classifies a relationship candidate found while parsing.
type RelKind string

const (
	RelImport RelKind = "import"
	RelCall   RelKind = "call"
	RelLink   RelKind = "link"
)

// Relationship is an intra- or cross-file reference candidate. From names an
// entity in the parsed file ("" for the file itself); Target names the
// referenced entity or module, resolved against the graph after the walk.
type Relationship struct {
	Kind   RelKind
	From   string
	Target string
	Line   int
}

// ParseResult is everything a parser extracted from one file.
type ParseResult struct {
	Language      string
	Entities      []Entity
	Relationships []Relationship
	Warnings      []string // soft problems, recorded on the job
}
