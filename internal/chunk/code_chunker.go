package chunk

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// CodeChunkerOptions configures the code chunker behavior
type CodeChunkerOptions struct {
	MaxChunkTokens int // Maximum tokens per chunk (default: DefaultMaxChunkTokens)
	OverlapTokens  int // Stored but not applied: line-window splits never overlap (default: DefaultOverlapTokens)
}

// CodeChunker implements AST-aware code chunking using tree-sitter. It
// follows the six-step algorithm of spec §4.4: walk the AST for
// symbol-defining nodes, attach each symbol's doc comment, greedily pack
// adjacent small symbols up to the token budget, split oversize symbols
// into line windows (class members are not split out separately), and
// fall back to blank-line-delimited packing for files tree-sitter can't
// parse.
type CodeChunker struct {
	parser    *Parser
	extractor *SymbolExtractor
	registry  *LanguageRegistry
	options   CodeChunkerOptions
}

// NewCodeChunker creates a new code chunker with default options
func NewCodeChunker() *CodeChunker {
	return NewCodeChunkerWithOptions(CodeChunkerOptions{})
}

// NewCodeChunkerWithOptions creates a new code chunker with custom options
func NewCodeChunkerWithOptions(opts CodeChunkerOptions) *CodeChunker {
	if opts.MaxChunkTokens == 0 {
		opts.MaxChunkTokens = DefaultMaxChunkTokens
	}
	if opts.OverlapTokens == 0 {
		opts.OverlapTokens = DefaultOverlapTokens
	}

	registry := DefaultRegistry()
	return &CodeChunker{
		parser:    NewParserWithRegistry(registry),
		extractor: NewSymbolExtractorWithRegistry(registry),
		registry:  registry,
		options:   opts,
	}
}

// Close releases chunker resources
func (c *CodeChunker) Close() {
	if c.parser != nil {
		c.parser.Close()
	}
}

// SupportedExtensions returns file extensions this chunker handles
func (c *CodeChunker) SupportedExtensions() []string {
	return c.registry.SupportedExtensions()
}

// Chunk splits a file into semantic chunks. File is taken from the
// input; the Group/Project identity fields are left zero-valued, and the
// indexer stamps them in before the
// chunk is persisted, since the chunker only knows about bytes and AST
// shape.
func (c *CodeChunker) Chunk(ctx context.Context, file *FileInput) ([]*Chunk, error) {
	if len(file.Content) == 0 {
		return []*Chunk{}, nil
	}

	if _, supported := c.registry.GetByName(file.Language); !supported {
		return c.chunkByParagraphs(file)
	}

	tree, err := c.parser.Parse(ctx, file.Content, file.Language)
	if err != nil {
		return c.chunkByParagraphs(file)
	}

	symbolNodes := c.findSymbolNodes(tree, file.Language)
	if len(symbolNodes) == 0 {
		return []*Chunk{}, nil
	}

	sort.Slice(symbolNodes, func(i, j int) bool {
		return symbolNodes[i].node.StartByte < symbolNodes[j].node.StartByte
	})

	now := time.Now()
	chunks := c.packSymbols(symbolNodes, tree, file, now)
	return chunks, nil
}

type symbolNodeInfo struct {
	node   *Node
	symbol *Symbol
}

// findSymbolNodes finds all top-level symbol-defining nodes.
func (c *CodeChunker) findSymbolNodes(tree *Tree, language string) []*symbolNodeInfo {
	config, ok := c.registry.GetByName(language)
	if !ok {
		return []*symbolNodeInfo{}
	}

	symbolTypes := make(map[string]Kind)
	for _, t := range config.FunctionTypes {
		symbolTypes[t] = KindFunction
	}
	for _, t := range config.MethodTypes {
		symbolTypes[t] = KindMethod
	}
	for _, t := range config.ClassTypes {
		symbolTypes[t] = KindClass
	}
	for _, t := range config.InterfaceTypes {
		symbolTypes[t] = KindInterface
	}
	for _, t := range config.TypeDefTypes {
		symbolTypes[t] = KindType
	}
	for _, t := range config.ConstantTypes {
		symbolTypes[t] = KindConstant
	}
	for _, t := range config.VariableTypes {
		symbolTypes[t] = KindVariable
	}

	var symbolNodes []*symbolNodeInfo
	tree.Root.Walk(func(n *Node) bool {
		if n.Type == "lexical_declaration" || n.Type == "variable_declaration" {
			if sym := c.extractor.extractSpecialSymbol(n, tree.Source, language); sym != nil {
				symbolNodes = append(symbolNodes, &symbolNodeInfo{node: n, symbol: sym})
				return false
			}
		}

		if symType, isSymbol := symbolTypes[n.Type]; isSymbol {
			if sym := c.extractSymbol(n, tree, symType, language); sym != nil {
				symbolNodes = append(symbolNodes, &symbolNodeInfo{node: n, symbol: sym})
				return false
			}
		}
		return true
	})

	return symbolNodes
}

func (c *CodeChunker) extractSymbol(n *Node, tree *Tree, symType Kind, language string) *Symbol {
	config, _ := c.registry.GetByName(language)
	name := c.extractor.extractName(n, tree.Source, config, language)
	if name == "" {
		return nil
	}

	return &Symbol{
		Name:       name,
		Type:       symType,
		StartLine:  int(n.StartPoint.Row) + 1,
		EndLine:    int(n.EndPoint.Row) + 1,
		DocComment: c.extractor.extractDocComment(n, tree.Source, language),
	}
}

// packSymbols implements the greedy packing step: adjacent symbols are
// merged into one chunk until the running token estimate would exceed
// MaxChunkTokens, at which point the pack is flushed and a new one
// started. A single symbol already over budget is flushed alone and
// handed to splitOversizeSymbol.
func (c *CodeChunker) packSymbols(nodes []*symbolNodeInfo, tree *Tree, file *FileInput, now time.Time) []*Chunk {
	var chunks []*Chunk
	var pack []*symbolNodeInfo
	packTokens := 0

	flush := func() {
		if len(pack) == 0 {
			return
		}
		chunks = append(chunks, c.chunkFromPack(pack, tree, file, now))
		pack = nil
		packTokens = 0
	}

	for _, info := range nodes {
		raw := c.rawContentWithDoc(info, tree.Source)
		tokens := estimateTokens(raw)

		if tokens > c.options.MaxChunkTokens {
			flush()
			chunks = append(chunks, c.splitOversizeSymbol(info, tree, file, now)...)
			continue
		}

		if packTokens+tokens > c.options.MaxChunkTokens && len(pack) > 0 {
			flush()
		}

		pack = append(pack, info)
		packTokens += tokens
	}
	flush()

	return chunks
}

func (c *CodeChunker) rawContentWithDoc(info *symbolNodeInfo, source []byte) string {
	raw := string(source[info.node.StartByte:info.node.EndByte])
	if info.symbol.DocComment == "" {
		return raw
	}
	return c.getRawContentWithDocComment(info.node, source, info.symbol.DocComment)
}

func (c *CodeChunker) getRawContentWithDocComment(n *Node, source []byte, docComment string) string {
	lineStart := int(n.StartByte)
	for lineStart > 0 && source[lineStart-1] != '\n' {
		lineStart--
	}

	docLines := strings.Count(docComment, "\n") + 1
	for i := 0; i < docLines && lineStart > 0; i++ {
		lineStart--
		for lineStart > 0 && source[lineStart-1] != '\n' {
			lineStart--
		}
	}

	return string(source[lineStart:n.EndByte])
}

// chunkFromPack builds one Chunk spanning every symbol in pack, recording
// each symbol's name under DefinesSymbols and the first as the chunk's
// primary SymbolName/Kind.
func (c *CodeChunker) chunkFromPack(pack []*symbolNodeInfo, tree *Tree, file *FileInput, now time.Time) *Chunk {
	first, last := pack[0], pack[len(pack)-1]
	startLine := first.symbol.StartLine
	if first.symbol.DocComment != "" {
		startLine -= strings.Count(first.symbol.DocComment, "\n") + 1
	}
	endLine := last.symbol.EndLine

	lines := strings.Split(string(tree.Source), "\n")
	content := strings.Join(lines[startLine-1:endLine], "\n")

	defines := make([]string, 0, len(pack))
	var uses []string
	for _, info := range pack {
		defines = append(defines, info.symbol.Name)
		uses = append(uses, c.extractor.extractUsages(info.node, tree.Source, file.Language)...)
	}

	chunk := &Chunk{
		File:           file.Path,
		Language:       file.Language,
		StartLine:      startLine,
		EndLine:        endLine,
		Content:        content,
		SymbolName:     first.symbol.Name,
		Kind:           first.symbol.Type,
		DefinesSymbols: dedupeStrings(defines),
		UsesSymbols:    dedupeStrings(uses),
	}
	chunk.ComputeHash()
	_ = now
	return chunk
}

// splitOversizeSymbol handles a symbol whose content alone exceeds the
// chunk budget by cutting it into fixed-size line windows. Classes go
// through splitClassByMethods first, which returns nil, so they are cut
// into line windows as well.
func (c *CodeChunker) splitOversizeSymbol(info *symbolNodeInfo, tree *Tree, file *FileInput, now time.Time) []*Chunk {
	if info.symbol.Type == KindClass {
		if members := c.splitClassByMethods(info, tree, file, now); len(members) > 0 {
			return members
		}
	}
	return c.splitByLineWindows(info, tree, file, now)
}

// splitClassByMethods does not walk class members; it always returns nil,
// which sends the class to the line-window split.
func (c *CodeChunker) splitClassByMethods(info *symbolNodeInfo, tree *Tree, file *FileInput, now time.Time) []*Chunk {
	return nil
}

// splitByLineWindows splits an oversize symbol into fixed-size,
// non-overlapping line windows, each tagged with the parent symbol name so
// a query for it still resolves to one of the windows.
func (c *CodeChunker) splitByLineWindows(info *symbolNodeInfo, tree *Tree, file *FileInput, now time.Time) []*Chunk {
	content := string(tree.Source[info.node.StartByte:info.node.EndByte])
	lines := strings.Split(content, "\n")
	if len(lines) == 0 {
		return []*Chunk{}
	}

	maxLinesPerChunk := (c.options.MaxChunkTokens * TokensPerChar) / 80
	if maxLinesPerChunk < 20 {
		maxLinesPerChunk = 20
	}

	startLine := info.symbol.StartLine

	var chunks []*Chunk
	for i := 0; i < len(lines); {
		end := i + maxLinesPerChunk
		if end > len(lines) {
			end = len(lines)
		}

		chunkContent := strings.Join(lines[i:end], "\n")
		chunk := &Chunk{
			File:           file.Path,
			Language:       file.Language,
			StartLine:      startLine + i,
			EndLine:        startLine + end - 1,
			Content:        chunkContent,
			SymbolName:     fmt.Sprintf("%s_part%d", info.symbol.Name, len(chunks)+1),
			Kind:           info.symbol.Type,
			DefinesSymbols: []string{info.symbol.Name},
		}
		chunk.ComputeHash()
		chunks = append(chunks, chunk)

		i = end
	}
	_ = now
	return chunks
}

// chunkByParagraphs is the fallback for unsupported languages and files
// tree-sitter cannot parse: pack blank-line-delimited paragraphs greedily
// up to the token budget, and if a single paragraph is still oversize,
// split it by fixed-size line windows.
func (c *CodeChunker) chunkByParagraphs(file *FileInput) ([]*Chunk, error) {
	content := string(file.Content)
	if strings.TrimSpace(content) == "" {
		return []*Chunk{}, nil
	}

	lines := strings.Split(content, "\n")
	paragraphs := splitIntoParagraphs(lines)

	var chunks []*Chunk
	var packLines []string
	packStart := 0
	packTokens := 0

	flush := func(endLineExclusive int) {
		if len(packLines) == 0 {
			return
		}
		chunkContent := strings.Join(packLines, "\n")
		chunk := &Chunk{
			File:      file.Path,
			Language:  file.Language,
			StartLine: packStart + 1,
			EndLine:   endLineExclusive,
			Content:   chunkContent,
			Kind:      KindModule,
		}
		chunk.ComputeHash()
		chunks = append(chunks, chunk)
		packLines = nil
		packTokens = 0
	}

	for _, p := range paragraphs {
		paraText := strings.Join(lines[p.start:p.end], "\n")
		tokens := estimateTokens(paraText)

		if tokens > c.options.MaxChunkTokens {
			flush(p.start)
			chunks = append(chunks, c.windowParagraph(file, lines, p)...)
			packStart = p.end
			continue
		}

		if packTokens+tokens > c.options.MaxChunkTokens && len(packLines) > 0 {
			flush(p.start)
			packStart = p.start
		}
		if len(packLines) == 0 {
			packStart = p.start
		}
		packLines = append(packLines, lines[p.start:p.end]...)
		packTokens += tokens
	}
	flush(len(lines))

	return chunks, nil
}

func (c *CodeChunker) windowParagraph(file *FileInput, lines []string, p paragraphRange) []*Chunk {
	maxLinesPerChunk := (c.options.MaxChunkTokens * TokensPerChar) / 80
	if maxLinesPerChunk < 20 {
		maxLinesPerChunk = 20
	}

	var chunks []*Chunk
	for i := p.start; i < p.end; i += maxLinesPerChunk {
		end := i + maxLinesPerChunk
		if end > p.end {
			end = p.end
		}
		chunk := &Chunk{
			File:      file.Path,
			Language:  file.Language,
			StartLine: i + 1,
			EndLine:   end,
			Content:   strings.Join(lines[i:end], "\n"),
			Kind:      KindModule,
		}
		chunk.ComputeHash()
		chunks = append(chunks, chunk)
	}
	return chunks
}

type paragraphRange struct {
	start, end int // [start, end) line indices, 0-indexed
}

// splitIntoParagraphs groups lines into contiguous non-blank runs,
// dropping purely blank runs between them.
func splitIntoParagraphs(lines []string) []paragraphRange {
	var paragraphs []paragraphRange
	inPara := false
	start := 0

	for i, line := range lines {
		blank := strings.TrimSpace(line) == ""
		if !blank && !inPara {
			start = i
			inPara = true
		}
		if blank && inPara {
			paragraphs = append(paragraphs, paragraphRange{start: start, end: i})
			inPara = false
		}
	}
	if inPara {
		paragraphs = append(paragraphs, paragraphRange{start: start, end: len(lines)})
	}
	return paragraphs
}

// estimateTokens estimates the number of tokens in content
func estimateTokens(content string) int {
	return len(content) / TokensPerChar
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
