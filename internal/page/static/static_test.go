package static

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-scripts/harvest/internal/page"
)

func server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/portal", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "harvest-test", r.UserAgent())
		fmt.Fprint(w, `<html><body>
			<div class="row"><a class="doc" href="/document/1/Agenda.pdf">Agenda</a><span class="date">April 2, 2024</span></div>
			<div class="row"><a class="doc" href="/document/2/Minutes.pdf">Minutes</a><span class="date">March 5, 2024</span></div>
			<a id="next" href="/portal?page=2">Next</a>
		</body></html>`)
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	mux.HandleFunc("/gone", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestPage_Query(t *testing.T) {
	srv := server(t)
	p := New(srv.Client(), "harvest-test")
	ctx := context.Background()

	require.NoError(t, p.Goto(ctx, srv.URL+"/portal", time.Second))

	rows, err := p.QueryAll(ctx, ".row")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	link, err := page.First(ctx, rows[1], "a.doc")
	require.NoError(t, err)
	href, ok, err := link.Attribute(ctx, "href")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "/document/2/Minutes.pdf", href)

	date, err := page.First(ctx, rows[0], ".date")
	require.NoError(t, err)
	text, err := date.Text(ctx)
	require.NoError(t, err)
	assert.Equal(t, "April 2, 2024", text)

	html, err := p.HTML(ctx)
	require.NoError(t, err)
	assert.Contains(t, html, "Minutes.pdf")

	assert.ErrorIs(t, p.Evaluate(ctx, "1", nil), page.ErrUnsupported)
	assert.NoError(t, p.ScrollToBottom(ctx))
}

func TestPage_ClickFollowsHref(t *testing.T) {
	srv := server(t)
	p := New(srv.Client(), "harvest-test")
	ctx := context.Background()
	require.NoError(t, p.Goto(ctx, srv.URL+"/portal", time.Second))

	urls, err := page.Sniff(ctx, p, nil, func(ctx context.Context) error {
		next, err := page.First(ctx, p, "#next")
		if err != nil {
			return err
		}
		return next.Click(ctx)
	})

	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/portal?page=2", p.URL())
	assert.Equal(t, []string{srv.URL + "/portal?page=2"}, urls)

	row, err := page.First(ctx, p, ".row")
	require.NoError(t, err)
	assert.ErrorIs(t, row.Click(ctx), page.ErrUnsupported)
}

func TestPage_Errors(t *testing.T) {
	srv := server(t)
	p := New(srv.Client(), "")

	err := p.Goto(context.Background(), srv.URL+"/slow", 100*time.Millisecond)
	assert.ErrorIs(t, err, page.ErrNavigationTimeout)

	err = p.Goto(context.Background(), srv.URL+"/gone", time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "410")
}
