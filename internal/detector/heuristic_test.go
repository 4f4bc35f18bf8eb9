package detector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/answerability-auditor/internal/audit"
)

func page(body string) audit.FetchResult {
	return audit.FetchResult{StatusCode: 200, Body: []byte(body)}
}

func TestJSDependentEmptyBody(t *testing.T) {
	t.Parallel()

	require.True(t, NewHeuristic(100).JSDependent(page("  ")))
}

func TestJSDependentSPAShell(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	require.True(t, h.JSDependent(page(`<html><body><div id="__next"></div></body></html>`)))
	require.True(t, h.JSDependent(page(`<html><body><app-root ng-version="17.0.0"></app-root></body></html>`)))
}

func TestJSDependentScriptDensity(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(1000)
	require.True(t, h.JSDependent(page(`<html><script>var a=1;var b=2;</script><p>t</p></html>`)))
}

func TestJSDependentNoscriptNotice(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(10)
	body := `<html><body><noscript>Please enable JavaScript to continue.</noscript><div></div></body></html>`
	require.True(t, h.JSDependent(page(body)))
}

func TestJSDependentServerRenderedContent(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	text := strings.Repeat("Plain server rendered words about the product. ", 20)
	body := `<html><body><div id="root"><main><p>` + text + `</p></main></div></body></html>`
	require.False(t, h.JSDependent(page(body)))
}

func TestJSDependentIgnoresNon200(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	require.False(t, h.JSDependent(audit.FetchResult{StatusCode: 404, Body: []byte("not found")}))
	require.False(t, h.JSDependent(audit.FetchResult{StatusCode: 0}))
}
