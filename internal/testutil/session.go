package testutil

// FixedSessionGenerator hands out the same session token on every call, so
// event ids (which hash the token) are byte-identical across runs.
type FixedSessionGenerator struct {
	token string
}

// NewFixedSessionGenerator returns a generator for token. An empty token
// becomes "test-session".
func NewFixedSessionGenerator(token string) *FixedSessionGenerator {
	if token == "" {
		token = "test-session"
	}
	return &FixedSessionGenerator{token: token}
}

// Generate implements engine.SessionGenerator.
func (g *FixedSessionGenerator) Generate() string {
	return g.token
}
