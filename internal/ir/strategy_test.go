package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleStrategy() Strategy {
	r1 := HashWithDomain(DomainRule, []byte("r1"))
	r2 := HashWithDomain(DomainRule, []byte("r2"))
	return &Seq{Steps: []Strategy{
		&Exhaust{Rule: r1, Order: OrderBottomUp, Measure: "edge_count", MaxSteps: 50},
		&While{
			Pred: "has_edges",
			Body: &Choice{Alts: []Strategy{&Once{Rule: r2}, &Once{Rule: r1, Order: OrderFair}}},
		},
		&Priority{Alts: []Strategy{&Once{Rule: r2, Order: OrderTopDown}}},
	}}
}

func TestStrategyRoundTrip(t *testing.T) {
	s := sampleStrategy()
	data, err := MarshalStrategy(s)
	require.NoError(t, err)

	back, err := ParseStrategy(data)
	require.NoError(t, err)

	h1, err := StrategyHash(s)
	require.NoError(t, err)
	h2, err := StrategyHash(back)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Empty(t, ValidateStrategy(back))
}

func TestStrategyOrderNormalization(t *testing.T) {
	r := HashWithDomain(DomainRule, []byte("r"))
	a, err := StrategyHash(&Once{Rule: r})
	require.NoError(t, err)
	b, err := StrategyHash(&Once{Rule: r, Order: OrderFair})
	require.NoError(t, err)
	c, err := StrategyHash(&Once{Rule: r, Order: OrderBottomUp})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestWalkPreOrder(t *testing.T) {
	var ops []Op
	require.NoError(t, Walk(sampleStrategy(), func(s Strategy) error {
		ops = append(ops, s.Op())
		return nil
	}))
	assert.Equal(t, []Op{OpSeq, OpExhaust, OpWhile, OpChoice, OpOnce, OpOnce, OpPriority, OpOnce}, ops)
}

func TestValidateStrategy(t *testing.T) {
	r := HashWithDomain(DomainRule, []byte("r"))
	tests := []struct {
		name string
		s    Strategy
	}{
		{"nil", nil},
		{"once without rule", &Once{}},
		{"bad order", &Exhaust{Rule: r, Order: "sideways"}},
		{"negative max steps", &Exhaust{Rule: r, MaxSteps: -1}},
		{"while without pred", &While{Body: &Once{Rule: r}}},
		{"while without body", &While{Pred: "p"}},
		{"empty seq", &Seq{}},
		{"empty choice", &Choice{}},
		{"empty priority", &Priority{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotEmpty(t, ValidateStrategy(tt.s))
		})
	}
}

func TestParseStrategyErrors(t *testing.T) {
	for _, doc := range []string{
		`{}`,
		`{"strategy":{"op":"loop"}}`,
		`{"strategy":{"op":"once","rule":"abc"}}`,
		`{"strategy":{"op":"while","pred":"p"}}`,
	} {
		t.Run(doc, func(t *testing.T) {
			_, err := ParseStrategy([]byte(doc))
			assert.Error(t, err)
		})
	}
}
