package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/quarry-kb/quarry/internal/chunk"
	qerrors "github.com/quarry-kb/quarry/internal/errors"
)

// TranscriptProvider fetches timestamped transcript segments and basic
// metadata for a video.
type TranscriptProvider interface {
	Transcript(ctx context.Context, videoURL string) (*Transcript, error)
	ChannelVideos(ctx context.Context, channelURL string, limit int) ([]ChannelVideo, error)
}

// Transcript is a video transcript with metadata.
type Transcript struct {
	Title    string
	Channel  string
	Duration time.Duration
	Language string
	Segments []chunk.Segment
}

// ChannelVideo is one entry from a channel listing.
type ChannelVideo struct {
	URL   string
	Title string
}

// VideoFetcher turns a video URL into a transcript document. A missing
// transcript is permanent: retrying will not make captions appear.
type VideoFetcher struct {
	provider TranscriptProvider
}

var _ Fetcher = (*VideoFetcher)(nil)

// NewVideoFetcher creates a video fetcher over the given provider.
func NewVideoFetcher(provider TranscriptProvider) *VideoFetcher {
	return &VideoFetcher{provider: provider}
}

// Fetch retrieves the transcript and metadata for one video.
func (f *VideoFetcher) Fetch(ctx context.Context, videoURL string) (*Document, error) {
	tr, err := f.provider.Transcript(ctx, videoURL)
	if err != nil {
		return nil, err
	}
	if len(tr.Segments) == 0 {
		return nil, qerrors.New(qerrors.ErrCodeNoTranscript,
			fmt.Sprintf("no transcript for %s", videoURL), nil)
	}

	return &Document{
		SourceURL:     videoURL,
		Kind:          "video",
		Title:         tr.Title,
		Language:      tr.Language,
		Segments:      tr.Segments,
		VideoDuration: tr.Duration,
		VideoChannel:  tr.Channel,
		FetchedAt:     time.Now().UTC(),
	}, nil
}

// ChannelExpander enumerates a channel's recent videos so they can be
// enqueued as individual catalog entries. The channel entry itself
// produces no chunks.
type ChannelExpander struct {
	provider  TranscriptProvider
	maxVideos int
}

// NewChannelExpander creates an expander capped at maxVideos per channel.
func NewChannelExpander(provider TranscriptProvider, maxVideos int) *ChannelExpander {
	if maxVideos <= 0 {
		maxVideos = 50
	}
	return &ChannelExpander{provider: provider, maxVideos: maxVideos}
}

// Expand lists up to the configured number of videos for a channel.
func (e *ChannelExpander) Expand(ctx context.Context, channelURL string) ([]ChannelVideo, error) {
	videos, err := e.provider.ChannelVideos(ctx, channelURL, e.maxVideos)
	if err != nil {
		return nil, err
	}
	if len(videos) > e.maxVideos {
		videos = videos[:e.maxVideos]
	}
	return videos, nil
}

// HTTPTranscriptProvider talks to an external transcript service over
// HTTPS. The service wraps caption extraction that has no stable
// first-party API.
type HTTPTranscriptProvider struct {
	client   *http.Client
	endpoint string
}

var _ TranscriptProvider = (*HTTPTranscriptProvider)(nil)

// NewHTTPTranscriptProvider creates a provider for the given endpoint.
func NewHTTPTranscriptProvider(endpoint string, timeout time.Duration) *HTTPTranscriptProvider {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &HTTPTranscriptProvider{
		client:   &http.Client{Timeout: timeout},
		endpoint: endpoint,
	}
}

type transcriptResponse struct {
	Title           string  `json:"title"`
	Channel         string  `json:"channel"`
	DurationSeconds float64 `json:"duration_seconds"`
	Language        string  `json:"language"`
	Segments        []struct {
		Start float64 `json:"start"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

// Transcript fetches segments for one video. A 404 from the service
// means the video has no captions, which is permanent.
func (p *HTTPTranscriptProvider) Transcript(ctx context.Context, videoURL string) (*Transcript, error) {
	var resp transcriptResponse
	err := p.getJSON(ctx, p.endpoint+"/transcript?url="+url.QueryEscape(videoURL), &resp)
	if err != nil {
		var qe *qerrors.QuarryError
		if errors.As(err, &qe) && qe.Code == qerrors.ErrCodeNotFound {
			return nil, qerrors.New(qerrors.ErrCodeNoTranscript,
				fmt.Sprintf("no transcript for %s", videoURL), err)
		}
		return nil, err
	}

	segments := make([]chunk.Segment, 0, len(resp.Segments))
	for _, s := range resp.Segments {
		segments = append(segments, chunk.Segment{Start: s.Start, Text: s.Text})
	}
	return &Transcript{
		Title:    resp.Title,
		Channel:  resp.Channel,
		Duration: time.Duration(resp.DurationSeconds * float64(time.Second)),
		Language: resp.Language,
		Segments: segments,
	}, nil
}

type channelResponse struct {
	Videos []struct {
		URL   string `json:"url"`
		Title string `json:"title"`
	} `json:"videos"`
}

// ChannelVideos lists a channel's recent uploads.
func (p *HTTPTranscriptProvider) ChannelVideos(ctx context.Context, channelURL string, limit int) ([]ChannelVideo, error) {
	var resp channelResponse
	endpoint := fmt.Sprintf("%s/channel?url=%s&limit=%d", p.endpoint, url.QueryEscape(channelURL), limit)
	if err := p.getJSON(ctx, endpoint, &resp); err != nil {
		return nil, err
	}

	videos := make([]ChannelVideo, 0, len(resp.Videos))
	for _, v := range resp.Videos {
		videos = append(videos, ChannelVideo{URL: v.URL, Title: v.Title})
	}
	return videos, nil
}

func (p *HTTPTranscriptProvider) getJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return qerrors.New(qerrors.ErrCodeNetworkTimeout, "transcript service unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := classifyStatus(resp.StatusCode, url); err != nil {
		return err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return qerrors.New(qerrors.ErrCodeNetworkTimeout, "reading transcript response", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return qerrors.New(qerrors.ErrCodeContentRejected, "invalid transcript response", err)
	}
	return nil
}
