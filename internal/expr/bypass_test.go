package expr

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRuleSetMatch(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	rules, err := env.CompileAll([]string{
		`method != "GET"`,
		`path.startsWith("/admin")`,
		`"no-cache" in headers && headers["no-cache"] == "1"`,
	})
	require.NoError(t, err)

	tests := []struct {
		name   string
		method string
		target string
		header map[string]string
		want   bool
	}{
		{"plain get not bypassed", "GET", "/items", nil, false},
		{"post bypassed", "POST", "/items", nil, true},
		{"admin path bypassed", "GET", "/admin/users", nil, true},
		{"header bypassed", "GET", "/items", map[string]string{"No-Cache": "1"}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.target, nil)
			for name, value := range tc.header {
				req.Header.Set(name, value)
			}
			got, err := rules.Match(req)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestCompileRejectsNonBool(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	_, err = env.Compile(`method`)
	require.Error(t, err)

	_, err = env.Compile(``)
	require.Error(t, err)

	_, err = env.Compile(`no_such_var == 1`)
	require.Error(t, err)
}

func TestEmptyRuleSetNeverMatches(t *testing.T) {
	var rules RuleSet
	got, err := rules.Match(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	require.False(t, got)
}
