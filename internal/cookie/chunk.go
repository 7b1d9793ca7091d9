package cookie

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	// MaxSize is the per-cookie ceiling browsers enforce.
	MaxSize = 4096
	// ChunkSize leaves room for the name and attributes of each chunk.
	ChunkSize = MaxSize - 200
)

// Split cuts value into ChunkSize pieces. A value that fits yields itself.
func Split(value string) []string {
	if len(value) <= ChunkSize {
		return []string{value}
	}
	chunks := make([]string, 0, len(value)/ChunkSize+1)
	for start := 0; start < len(value); start += ChunkSize {
		end := start + ChunkSize
		if end > len(value) {
			end = len(value)
		}
		chunks = append(chunks, value[start:end])
	}
	return chunks
}

// SetChunked writes value under name, splitting it into name.0, name.1, ...
// when it exceeds ChunkSize. Every cookie previously present under name
// that this write does not overwrite is cleared first.
func (c *Codec) SetChunked(w Sink, r Source, name, value string, maxAge time.Duration) {
	chunks := Split(value)
	written := make(map[string]struct{}, len(chunks))
	if len(chunks) == 1 {
		written[name] = struct{}{}
	} else {
		for i := range chunks {
			written[chunkName(name, i)] = struct{}{}
		}
	}

	if r != nil {
		for _, existing := range c.chunkFamily(r, name) {
			if _, ok := written[existing]; !ok {
				c.Clear(w, existing)
			}
		}
	}

	if len(chunks) == 1 {
		c.Set(w, name, value, maxAge)
		return
	}
	for i, chunk := range chunks {
		c.Set(w, chunkName(name, i), chunk, maxAge)
	}
}

// GetChunked reassembles a value written by SetChunked. Chunks must form a
// contiguous run from 0; otherwise the plain cookie is used, and when that is
// absent too the value reads as empty.
func (c *Codec) GetChunked(r Source, name string) (string, bool) {
	parts := map[int]string{}
	for _, ck := range r.Cookies() {
		if idx, ok := chunkIndex(name, ck.Name); ok {
			parts[idx] = ck.Value
		}
	}
	if len(parts) > 0 {
		indexes := make([]int, 0, len(parts))
		for idx := range parts {
			indexes = append(indexes, idx)
		}
		sort.Ints(indexes)
		contiguous := true
		for i, idx := range indexes {
			if idx != i {
				contiguous = false
				break
			}
		}
		if contiguous {
			var b strings.Builder
			for _, idx := range indexes {
				b.WriteString(parts[idx])
			}
			if b.Len() > 0 {
				return b.String(), true
			}
		}
	}
	return c.Get(r, name)
}

// ClearChunked clears name and every name.N chunk present on the request.
func (c *Codec) ClearChunked(w Sink, r Source, name string) {
	cleared := false
	if r != nil {
		for _, existing := range c.chunkFamily(r, name) {
			c.Clear(w, existing)
			if existing == name {
				cleared = true
			}
		}
	}
	if !cleared {
		c.Clear(w, name)
	}
}

func (c *Codec) chunkFamily(r Source, name string) []string {
	var out []string
	for _, ck := range r.Cookies() {
		if ck.Name == name {
			out = append(out, ck.Name)
			continue
		}
		if _, ok := chunkIndex(name, ck.Name); ok {
			out = append(out, ck.Name)
		}
	}
	return out
}

func chunkName(base string, i int) string {
	return base + "." + strconv.Itoa(i)
}

func chunkIndex(base, name string) (int, bool) {
	suffix, ok := strings.CutPrefix(name, base+".")
	if !ok || suffix == "" {
		return 0, false
	}
	idx, err := strconv.Atoi(suffix)
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}
