package extractor

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVideoURL(t *testing.T) {
	tests := []struct {
		url     string
		want    string
		wantErr bool
	}{
		{url: "https://www.youtube.com/watch?v=dQw4w9WgXcQ", want: "dQw4w9WgXcQ"},
		{url: "https://youtube.com/watch?v=abc&t=42", want: "abc"},
		{url: "https://youtu.be/xyz123", want: "xyz123"},
		{url: "https://www.youtube.com/embed/emb1", want: "emb1"},
		{url: "https://m.youtube.com/shorts/sh0rt/", want: "sh0rt"},
		{url: "https://www.youtube.com/watch", wantErr: true},
		{url: "https://www.youtube.com/channel/foo", wantErr: true},
		{url: "https://vimeo.com/12345", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			id, err := ParseVideoURL(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, id)
		})
	}
}

func youtubeServer(t *testing.T, watchPage func(base string) string, transcript string) *httptest.Server {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/watch":
			_, _ = w.Write([]byte(watchPage(srv.URL)))
		case "/api/timedtext":
			w.Header().Set("Content-Type", "text/xml")
			_, _ = w.Write([]byte(transcript))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func videoExtractor(base string) *Extractor {
	cfg := DefaultConfig()
	cfg.YouTubeBaseURL = base
	return New(cfg, nil, nil)
}

func TestExtractVideoTranscript(t *testing.T) {
	page := func(base string) string {
		return fmt.Sprintf(`<html><head><title>ignored - YouTube</title></head><body><script>
var ytInitialPlayerResponse = {"captions":{"playerCaptionsTracklistRenderer":{"captionTracks":[
{"baseUrl":"%[1]s/api/timedtext?lang=de&v=vid1","languageCode":"de","name":{"simpleText":"German [auto]"}},
{"baseUrl":"%[1]s/api/timedtext?lang=en&v=vid1","languageCode":"en","name":{"simpleText":"English"}}
]}},"videoDetails":{"videoId":"vid1","title":"Intro to \"Channels\"","lengthSeconds":"3700"}};
</script></body></html>`, base)
	}
	transcript := `<?xml version="1.0" encoding="utf-8" ?><transcript>
<text start="0.5" dur="2.1">Hello &amp;amp; welcome</text>
<text start="65.2" dur="1.0">it&amp;#39;s   a test</text>
<text start="70" dur="1.0">   </text>
<text start="3725.9" dur="3">the end</text>
</transcript>`
	srv := youtubeServer(t, page, transcript)

	res := videoExtractor(srv.URL).Extract(context.Background(), Source{URL: "https://www.youtube.com/watch?v=vid1"})
	require.Empty(t, res.Error)
	assert.Equal(t, `Intro to "Channels"`, res.Title)
	assert.Equal(t, "[00:00] Hello & welcome\n[01:05] it's a test\n[1:02:05] the end", res.Text)
	assert.Equal(t, "https://www.youtube.com/watch?v=vid1", res.SourceURL)
	assert.NotEmpty(t, res.Excerpt)
}

func TestExtractVideoWithoutCaptions(t *testing.T) {
	page := func(string) string {
		return `<html><head><title>No captions - YouTube</title></head><body><script>
var ytInitialPlayerResponse = {"videoDetails":{"videoId":"vid2","title":"Silent film"}};
</script></body></html>`
	}
	srv := youtubeServer(t, page, "")

	res := videoExtractor(srv.URL).Extract(context.Background(), Source{URL: "https://youtu.be/vid2"})
	assert.True(t, res.Failed())
	assert.Contains(t, res.Error, "transcript")
	assert.Empty(t, res.Text)
}

func TestExtractVideoEmptyTranscript(t *testing.T) {
	page := func(base string) string {
		return fmt.Sprintf(`{"captionTracks":[{"baseUrl":"%s/api/timedtext?v=vid3","languageCode":"fr"}]}`, base)
	}
	srv := youtubeServer(t, page, `<transcript></transcript>`)

	res := videoExtractor(srv.URL).Extract(context.Background(), Source{URL: "https://youtu.be/vid3"})
	assert.True(t, res.Failed())
	assert.Contains(t, res.Error, "no transcript available for video vid3")
}

func TestExtractVideoTitleBackfill(t *testing.T) {
	page := func(base string) string {
		return fmt.Sprintf(`<html><head><meta property="og:title" content="From OG"></head><body>
<script>{"captionTracks":[{"baseUrl":"%s/api/timedtext?v=vid4","languageCode":"en"}]}</script></body></html>`, base)
	}
	srv := youtubeServer(t, page, `<transcript><text start="1" dur="1">hi</text></transcript>`)

	res := videoExtractor(srv.URL).Extract(context.Background(), Source{URL: "https://youtu.be/vid4"})
	require.Empty(t, res.Error)
	assert.Equal(t, "From OG", res.Title)
	assert.Equal(t, "[00:01] hi", res.Text)
}

func TestExtractVideoUnsupportedPlatform(t *testing.T) {
	res := New(DefaultConfig(), nil, nil).Extract(context.Background(), Source{URL: "https://vimeo.com/1", Kind: KindVideo})
	assert.True(t, res.Failed())
	assert.Contains(t, res.Error, "unsupported video platform")
}

func TestJSONValueAfter(t *testing.T) {
	s := `x "k": [1, "a]b", {"c": "\"]"}] tail`
	assert.Equal(t, `[1, "a]b", {"c": "\"]"}]`, jsonValueAfter(s, `"k":`))
	assert.Equal(t, "", jsonValueAfter(s, `"missing":`))
	assert.Equal(t, "", jsonValueAfter(`"k": 5`, `"k":`))
}
