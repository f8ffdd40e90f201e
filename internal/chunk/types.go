package chunk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Chunk size defaults (based on 2025 RAG research)
const (
	DefaultMaxChunkTokens = 512 // Optimal for 85-90% recall
	DefaultOverlapTokens  = 64  // ~12.5% overlap
	MinChunkTokens        = 100 // Minimum viable chunk
	TokensPerChar         = 4   // Rough approximation: 4 chars = 1 token
)

// Kind is the symbol/chunk kind enum from spec §3. A chunk without an
// enclosing symbol (a fixed-size fallback window) uses KindModule.
type Kind string

const (
	KindFunction  Kind = "function"
	KindClass     Kind = "class"
	KindInterface Kind = "interface"
	KindType      Kind = "type"
	KindEnum      Kind = "enum"
	KindConstant  Kind = "constant"
	KindVariable  Kind = "variable"
	KindMethod    Kind = "method"
	KindRoute     Kind = "route"
	KindModule    Kind = "module"
	KindResource  Kind = "resource"
)

// Chunk is the indexing unit described in spec §3: a contiguous,
// non-overlapping line range within one file, addressed by a
// content-derived ID so re-indexing unchanged content is a no-op.
type Chunk struct {
	Group          string
	Project        string
	File           string // relative to the project root, forward-slash separated
	Language       string
	StartLine      int // 1-indexed, inclusive
	EndLine        int // 1-indexed, inclusive
	Content        string
	Hash           string // sha256 of Content, hex-encoded
	ChunkID        string // group//project//file//start-end//hash
	SymbolName     string
	Kind           Kind
	Service        string
	BoundedContext string
	Tags           []string
	DefinesSymbols []string
	UsesSymbols    []string

	// Populated by the git metadata extractor (spec §4.10), not by the
	// chunker itself.
	LastCommitHash  string
	LastCommitAt    int64 // unix seconds
	LastAuthorEmail string
	TicketKeys      []string
}

// ComputeHash fills Hash and ChunkID from Content and the chunk's
// identity fields. Called once a chunk's line range and content are
// final.
func (c *Chunk) ComputeHash() {
	sum := sha256.Sum256([]byte(c.Content))
	c.Hash = hex.EncodeToString(sum[:])
	c.ChunkID = fmt.Sprintf("%s//%s//%s//%d-%d//%s", c.Group, c.Project, c.File, c.StartLine, c.EndLine, c.Hash)
}

// FileInput is input for the Chunker interface
type FileInput struct {
	Path     string // Relative path
	Content  []byte // File content
	Language string // go, typescript, python, etc.
}

// Chunker is the interface for splitting files into chunks
type Chunker interface {
	// Chunk splits a file into semantic chunks
	Chunk(ctx context.Context, file *FileInput) ([]*Chunk, error)

	// SupportedExtensions returns file extensions this chunker handles
	SupportedExtensions() []string
}

// Symbol represents a code symbol extracted from parsing, before it is
// folded into a Chunk's DefinesSymbols/SymbolName/Kind fields.
type Symbol struct {
	Name       string
	Type       Kind
	StartLine  int
	EndLine    int
	Signature  string
	DocComment string
}

// Tree represents a parsed AST
type Tree struct {
	Root     *Node
	Source   []byte
	Language string
}

// Node represents a node in the AST
type Node struct {
	Type       string
	StartByte  uint32
	EndByte    uint32
	StartPoint Point
	EndPoint   Point
	Children   []*Node
	HasError   bool
}

// Point represents a position in the source code
type Point struct {
	Row    uint32 // 0-indexed line number
	Column uint32
}

// LanguageConfig holds configuration for a supported language
type LanguageConfig struct {
	Name       string
	Extensions []string

	// Node types that indicate function declarations
	FunctionTypes []string

	// Node types that indicate class/struct definitions
	ClassTypes []string

	// Node types that indicate interface definitions
	InterfaceTypes []string

	// Node types that indicate method definitions
	MethodTypes []string

	// Node types that indicate type definitions
	TypeDefTypes []string

	// Node types that indicate constant declarations
	ConstantTypes []string

	// Node types that indicate variable declarations
	VariableTypes []string

	// Node type for name identifier
	NameField string
}
