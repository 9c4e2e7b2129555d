package types

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValueCodec(t *testing.T) {
	vals := []Value{
		Null(),
		NewInteger(-42),
		NewInteger(1 << 40),
		NewFloat(3.25),
		NewFloat(math.Inf(-1)),
		NewText("hello"),
		NewBoolean(true),
		NewDate(19000),
		NewTimestamp(1660000000000000),
		NewTsVector("quick brown fox"),
	}
	for _, v := range vals {
		var buf bytes.Buffer
		_, err := v.WriteTo(&buf)
		assert.Nil(t, err)
		var decoded Value
		_, err = decoded.ReadFrom(&buf)
		assert.Nil(t, err)
		assert.Equal(t, v, decoded)
	}
}

func TestNaNCanonicalEncoding(t *testing.T) {
	weird := math.Float64frombits(0x7FF0000000000001)
	assert.True(t, math.IsNaN(weird))

	var b1, b2 bytes.Buffer
	_, err := NewFloat(weird).WriteTo(&b1)
	assert.Nil(t, err)
	_, err = NewFloat(math.NaN()).WriteTo(&b2)
	assert.Nil(t, err)
	assert.Equal(t, b1.Bytes(), b2.Bytes())
}

func TestFloatKeyOrder(t *testing.T) {
	ordered := []float64{math.Inf(-1), -100.5, -0.25, 0, 0.25, 100.5, math.Inf(1)}
	for i := 1; i < len(ordered); i++ {
		prev := NewFloat(ordered[i-1]).Key()
		curr := NewFloat(ordered[i]).Key()
		assert.True(t, bytes.Compare(prev, curr) < 0)
	}
}

func TestIntegerKeyOrder(t *testing.T) {
	ordered := []int64{math.MinInt64, -5, 0, 3, math.MaxInt64}
	for i := 1; i < len(ordered); i++ {
		prev := NewInteger(ordered[i-1]).Key()
		curr := NewInteger(ordered[i]).Key()
		assert.True(t, bytes.Compare(prev, curr) < 0)
	}
}

func TestRowCodec(t *testing.T) {
	row := NewRow(NewInteger(1)).
		Set("name", NewText("Alice")).
		Set("age", NewInteger(30)).
		Set("bio", NewTsVector("likes long walks"))
	buf, err := row.Marshal()
	assert.Nil(t, err)

	decoded := new(Row)
	assert.Nil(t, decoded.Unmarshal(buf))
	assert.Equal(t, row, decoded)

	again, err := decoded.Marshal()
	assert.Nil(t, err)
	assert.Equal(t, buf, again)
}

func TestSchemaValidate(t *testing.T) {
	schema := NewSchema("users", "id").
		AddColumn("id", TInteger, true).
		AddColumn("name", TText, true).
		AddColumn("note", TText, false)

	ok := NewRow(NewInteger(1)).Set("name", NewText("Alice"))
	assert.Nil(t, schema.Validate(ok))

	missing := NewRow(NewInteger(2))
	assert.Error(t, schema.Validate(missing))

	badType := NewRow(NewInteger(3)).Set("name", NewInteger(7))
	assert.Error(t, schema.Validate(badType))

	nullPK := NewRow(Null()).Set("name", NewText("x"))
	assert.Error(t, schema.Validate(nullPK))
}

func TestSchemaCodec(t *testing.T) {
	schema := NewSchema("docs", "id").
		AddColumn("id", TInteger, true).
		AddColumn("body", TTsVector, false)
	var buf bytes.Buffer
	_, err := schema.WriteTo(&buf)
	assert.Nil(t, err)
	decoded := new(Schema)
	_, err = decoded.ReadFrom(&buf)
	assert.Nil(t, err)
	assert.Equal(t, schema, decoded)
}

func TestTokenize(t *testing.T) {
	tokens := Tokenize("The quick, quick fox!")
	terms := make([]string, 0, len(tokens))
	for _, tk := range tokens {
		terms = append(terms, tk.Term)
	}
	assert.Equal(t, []string{"the", "quick", "quick", "fox"}, terms)
	assert.Equal(t, uint32(3), tokens[3].Pos)
}
