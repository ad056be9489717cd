package vectordb

import (
	"strconv"
	"strings"
)

// vectorLiteral renders an embedding as the pgvector text form '[a,b,c]'.
// Values travel as a text parameter cast with ::vector, which keeps the
// query planner happy across pgvector versions.
func vectorLiteral(vec []float32) string {
	var b strings.Builder
	b.Grow(len(vec)*10 + 2)
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
