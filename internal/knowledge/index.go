// Package knowledge indexes local resource documents (shelters, food banks,
// hotels and the like) for the search actions.
package knowledge

import (
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const (
	embeddingDim     = 512
	defaultChunkSize = 800
)

// Document is a text chunk paired with its embedding vector. Category is
// the file name without extension, e.g. "shelters" for shelters.md.
type Document struct {
	Filename  string
	Category  string
	Text      string
	Embedding []float32
}

// Index provides similarity search over local hash embeddings.
type Index struct {
	mu     sync.RWMutex
	docs   []Document
	logger *zap.Logger
}

func NewIndex(logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{logger: logger}
}

// Load indexes all .txt, .md and .pdf files from dir.
// Returns without error if the directory is empty or does not exist.
func (x *Index) Load(dir string) error {
	chunks, err := loadChunks(dir)
	if err != nil {
		return fmt.Errorf("knowledge: load %q: %w", dir, err)
	}

	if len(chunks) == 0 {
		x.logger.Warn("no documents found, searches will return no results", zap.String("dir", dir))
		return nil
	}

	for _, c := range chunks {
		x.add(c.filename, c.text)
	}

	x.logger.Info("indexed documents", zap.String("dir", dir), zap.Int("chunks", len(chunks)))
	return nil
}

// AddDocument splits text into chunks and indexes them under filename.
func (x *Index) AddDocument(filename, text string) {
	for _, c := range splitChunks(text, defaultChunkSize) {
		x.add(filename, c)
	}
}

func (x *Index) add(filename, text string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.docs = append(x.docs, Document{
		Filename:  filename,
		Category:  categoryOf(filename),
		Text:      text,
		Embedding: embed(text),
	})
}

func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()

	return len(x.docs)
}

// Search returns the topK chunks most similar to query.
func (x *Index) Search(query string, topK int) []Document {
	return x.search(query, topK, func(Document) bool { return true })
}

// SearchCategory is Search restricted to one category.
func (x *Index) SearchCategory(category, query string, topK int) []Document {
	category = strings.ToLower(category)
	return x.search(query, topK, func(d Document) bool { return d.Category == category })
}

func (x *Index) search(query string, topK int, match func(Document) bool) []Document {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if len(x.docs) == 0 || topK <= 0 {
		return nil
	}

	queryVec := embed(query)

	type scored struct {
		doc   Document
		score float32
	}

	results := make([]scored, 0, len(x.docs))
	for _, doc := range x.docs {
		if !match(doc) {
			continue
		}
		results = append(results, scored{doc: doc, score: cosineSimilarity(queryVec, doc.Embedding)})
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].score > results[j].score })

	if topK > len(results) {
		topK = len(results)
	}

	out := make([]Document, topK)
	for i := range out {
		out[i] = results[i].doc
	}
	return out
}

func categoryOf(filename string) string {
	base := filepath.Base(filename)
	return strings.ToLower(strings.TrimSuffix(base, filepath.Ext(base)))
}

// embed converts text into a fixed-size vector using feature hashing.
func embed(text string) []float32 {
	vec := make([]float32, embeddingDim)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,;:!?()\"'")
		if word == "" {
			continue
		}
		h := fnv.New32a()
		h.Write([]byte(word))
		vec[int(h.Sum32()%embeddingDim)]++
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm = math.Sqrt(norm); norm > 0 {
		for i := range vec {
			vec[i] = float32(float64(vec[i]) / norm)
		}
	}
	return vec
}

type chunk struct {
	filename string
	text     string
}

func loadChunks(dir string) ([]chunk, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var chunks []chunk
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var text string
		switch strings.ToLower(filepath.Ext(name)) {
		case ".txt", ".md":
			data, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				return nil, err
			}
			text = string(data)
		case ".pdf":
			text, err = readPDF(filepath.Join(dir, name))
			if err != nil {
				return nil, fmt.Errorf("read pdf %q: %w", name, err)
			}
		default:
			continue
		}

		for _, c := range splitChunks(text, defaultChunkSize) {
			chunks = append(chunks, chunk{filename: name, text: c})
		}
	}

	return chunks, nil
}

// splitChunks groups paragraphs into chunks of at most maxLen bytes. A
// single paragraph longer than maxLen is kept whole.
func splitChunks(text string, maxLen int) []string {
	paragraphs := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n")

	var chunks []string
	current := strings.Builder{}

	for _, p := range paragraphs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}

		if current.Len() > 0 && current.Len()+len(p)+2 > maxLen {
			chunks = append(chunks, current.String())
			current.Reset()
		}

		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(p)
	}

	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}

	return chunks
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return float32(dot / denom)
}
