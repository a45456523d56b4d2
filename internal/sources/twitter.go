package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
	"github.com/xwatch/xwatch-bot/internal/models"
	"github.com/xwatch/xwatch-bot/internal/usage"
)

const (
	endpointUserInfo   = "/twitter/user/info"
	endpointLastTweets = "/twitter/user/last_tweets"
	endpointAdvanced   = "/twitter/search/advanced"
	defaultTwitterAPI  = "https://api.twitterapi.io"
	defaultTimeout     = 30 * time.Second
)

// TwitterAPIConfig configures the twitterapi.io client
type TwitterAPIConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// TwitterAPIClient implements Upstream against twitterapi.io
type TwitterAPIClient struct {
	apiKey   string
	client   *resty.Client
	limiter  *RateLimiter
	recorder CallRecorder
}

var _ Upstream = (*TwitterAPIClient)(nil)

type apiEnvelope struct {
	Status      string          `json:"status"`
	Msg         string          `json:"msg"`
	Message     string          `json:"message"`
	Data        json.RawMessage `json:"data"`
	Tweets      []apiTweet      `json:"tweets"`
	HasNextPage bool            `json:"has_next_page"`
	NextCursor  string          `json:"next_cursor"`
}

type apiTweetList struct {
	Tweets      []apiTweet `json:"tweets"`
	HasNextPage bool       `json:"has_next_page"`
	NextCursor  string     `json:"next_cursor"`
}

type apiUser struct {
	ID             string `json:"id"`
	UserName       string `json:"userName"`
	Name           string `json:"name"`
	ProfilePicture string `json:"profilePicture"`
	Description    string `json:"description"`
	Location       string `json:"location"`
	URL            string `json:"url"`
	Followers      int    `json:"followers"`
	Following      int    `json:"following"`
	StatusesCount  int    `json:"statusesCount"`
	IsBlueVerified bool   `json:"isBlueVerified"`
	IsVerified     bool   `json:"isVerified"`
	CreatedAt      string `json:"createdAt"`
}

type apiTweet struct {
	ID            string `json:"id"`
	Text          string `json:"text"`
	CreatedAt     string `json:"createdAt"`
	Lang          string `json:"lang"`
	IsReply       bool   `json:"isReply"`
	RetweetCount  int    `json:"retweetCount"`
	LikeCount     int    `json:"likeCount"`
	ReplyCount    int    `json:"replyCount"`
	QuoteCount    int    `json:"quoteCount"`
	ViewCount     int    `json:"viewCount"`
	BookmarkCount int    `json:"bookmarkCount"`
	Author        struct {
		ID       string `json:"id"`
		UserName string `json:"userName"`
		Name     string `json:"name"`
	} `json:"author"`
	ExtendedEntities struct {
		Media []apiMedia `json:"media"`
	} `json:"extendedEntities"`
	Entities struct {
		URLs []struct {
			URL         string `json:"url"`
			ExpandedURL string `json:"expanded_url"`
			DisplayURL  string `json:"display_url"`
		} `json:"urls"`
	} `json:"entities"`
}

type apiMedia struct {
	Type          string `json:"type"`
	MediaURLHTTPS string `json:"media_url_https"`
	MediaURL      string `json:"media_url"`
	ExpandedURL   string `json:"expanded_url"`
	DisplayURL    string `json:"display_url"`
	OriginalInfo  struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"original_info"`
	VideoInfo struct {
		Variants []struct {
			ContentType string `json:"content_type"`
			URL         string `json:"url"`
			Bitrate     int    `json:"bitrate"`
		} `json:"variants"`
	} `json:"video_info"`
}

// NewTwitterAPIClient creates a client. limiter and recorder may be nil.
func NewTwitterAPIClient(cfg TwitterAPIConfig, limiter *RateLimiter, recorder CallRecorder) *TwitterAPIClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultTwitterAPI
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if limiter == nil {
		limiter = NewRateLimiter(0)
	}

	return &TwitterAPIClient{
		apiKey: cfg.APIKey,
		client: resty.New().
			SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
			SetTimeout(cfg.Timeout).
			SetHeader("User-Agent", "xwatch-bot/1.0").
			SetHeader("X-API-Key", cfg.APIKey),
		limiter:  limiter,
		recorder: recorder,
	}
}

// IsEnabled reports whether a credential is configured
func (t *TwitterAPIClient) IsEnabled() bool {
	return t.apiKey != ""
}

// LookupAccount resolves a handle to its upstream profile
func (t *TwitterAPIClient) LookupAccount(ctx context.Context, handle string) (*models.AccountProfile, error) {
	handle = NormalizeHandle(handle)

	env, err := t.get(ctx, usage.KindProfile, endpointUserInfo, map[string]string{"userName": handle})
	if err != nil {
		if errors.Is(err, ErrMalformedResponse) && looksNotFound(err) {
			return nil, fmt.Errorf("%w: @%s", ErrAccountNotFound, handle)
		}
		return nil, err
	}

	var user apiUser
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &user); err != nil {
			t.record(usage.KindProfile, 0)
			return nil, &APIError{Endpoint: endpointUserInfo, Message: "decode user", Err: ErrMalformedResponse}
		}
	}
	if user.ID == "" {
		t.record(usage.KindProfile, 0)
		return nil, fmt.Errorf("%w: @%s", ErrAccountNotFound, handle)
	}
	t.record(usage.KindProfile, 1)

	profile := &models.AccountProfile{
		ID:             user.ID,
		Handle:         NormalizeHandle(user.UserName),
		DisplayName:    user.Name,
		ProfilePicture: user.ProfilePicture,
		Description:    user.Description,
		Location:       user.Location,
		URL:            user.URL,
		Followers:      user.Followers,
		Following:      user.Following,
		StatusesCount:  user.StatusesCount,
		IsBlueVerified: user.IsBlueVerified,
		IsVerified:     user.IsVerified,
	}
	if profile.Handle == "" {
		profile.Handle = handle
	}
	if created, err := parseTimestamp(user.CreatedAt); err == nil {
		profile.CreatedAt = created
	}

	logrus.Debugf("Resolved @%s to upstream id %s", handle, profile.ID)
	return profile, nil
}

// FetchRecentItems lists the most recent items of an account
func (t *TwitterAPIClient) FetchRecentItems(ctx context.Context, handle, cursor string) (*models.Page, error) {
	handle = NormalizeHandle(handle)
	params := map[string]string{"userName": handle}
	if cursor != "" {
		params["cursor"] = cursor
	}

	env, err := t.get(ctx, usage.KindFallback, endpointLastTweets, params)
	if err != nil {
		return nil, err
	}

	page, err := t.decodePage(endpointLastTweets, env, handle)
	if err != nil {
		t.record(usage.KindFallback, 0)
		return nil, err
	}

	t.record(usage.KindFallback, len(page.Items))
	logrus.Debugf("Fetched %d recent items for @%s", len(page.Items), handle)
	return page, nil
}

// FetchItemsSince runs an advanced search query
func (t *TwitterAPIClient) FetchItemsSince(ctx context.Context, query, cursor string) (*models.Page, error) {
	params := map[string]string{"query": query, "queryType": "Latest"}
	if cursor != "" {
		params["cursor"] = cursor
	}

	env, err := t.get(ctx, usage.KindIncremental, endpointAdvanced, params)
	if err != nil {
		return nil, err
	}

	page, err := t.decodePage(endpointAdvanced, env, "")
	if err != nil {
		t.record(usage.KindIncremental, 0)
		return nil, err
	}

	t.record(usage.KindIncremental, len(page.Items))
	logrus.Debugf("Search %q returned %d items", query, len(page.Items))
	return page, nil
}

// get waits for the rate limiter, performs the request and decodes the envelope.
// Failed calls that reached the upstream are recorded here.
func (t *TwitterAPIClient) get(ctx context.Context, kind usage.CallKind, endpoint string, params map[string]string) (*apiEnvelope, error) {
	if !t.IsEnabled() {
		return nil, &APIError{Endpoint: endpoint, Message: "missing API key", Err: ErrUnauthorized}
	}

	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err := t.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get(endpoint)

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &APIError{Endpoint: endpoint, Message: err.Error(), Err: ErrUpstreamUnavailable}
	}

	if err := classifyStatus(endpoint, resp.StatusCode(), resp.Body()); err != nil {
		t.record(kind, 0)
		if errors.Is(err, ErrRateLimited) {
			logrus.Warnf("twitterapi.io rate limit hit on %s", endpoint)
		}
		return nil, err
	}

	var env apiEnvelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		t.record(kind, 0)
		return nil, &APIError{Endpoint: endpoint, StatusCode: resp.StatusCode(), Message: "decode body", Err: ErrMalformedResponse}
	}

	if env.Status != "" && env.Status != "success" {
		t.record(kind, 0)
		msg := env.Msg
		if msg == "" {
			msg = env.Message
		}
		return nil, &APIError{Endpoint: endpoint, StatusCode: resp.StatusCode(), Message: msg, Err: ErrMalformedResponse}
	}

	return &env, nil
}

func (t *TwitterAPIClient) record(kind usage.CallKind, returned int) {
	if t.recorder != nil {
		t.recorder.RecordCall(kind, returned)
	}
}

func (t *TwitterAPIClient) decodePage(endpoint string, env *apiEnvelope, handle string) (*models.Page, error) {
	tweets := env.Tweets
	page := &models.Page{HasMore: env.HasNextPage, NextCursor: env.NextCursor}

	if len(env.Data) > 0 && string(env.Data) != "null" {
		var list apiTweetList
		if err := json.Unmarshal(env.Data, &list); err != nil {
			return nil, &APIError{Endpoint: endpoint, Message: "decode tweets", Err: ErrMalformedResponse}
		}
		if len(list.Tweets) > 0 {
			tweets = list.Tweets
		}
		if list.HasNextPage {
			page.HasMore = true
			page.NextCursor = list.NextCursor
		}
	}

	for _, tweet := range tweets {
		item, err := convertTweet(tweet, handle)
		if err != nil {
			logrus.Warnf("Skipping tweet %s: %v", tweet.ID, err)
			continue
		}
		page.Items = append(page.Items, item)
	}

	return page, nil
}

func convertTweet(tweet apiTweet, handle string) (models.Item, error) {
	if tweet.ID == "" {
		return models.Item{}, fmt.Errorf("missing id")
	}

	createdAt, err := parseTimestamp(tweet.CreatedAt)
	if err != nil {
		return models.Item{}, err
	}

	owner := NormalizeHandle(tweet.Author.UserName)
	if owner == "" {
		owner = handle
	}

	item := models.Item{
		ID:          tweet.ID,
		AccountID:   tweet.Author.ID,
		Handle:      owner,
		DisplayName: tweet.Author.Name,
		Text:        tweet.Text,
		Lang:        tweet.Lang,
		IsReply:     tweet.IsReply,
		CreatedAt:   createdAt,
		Engagement: models.Engagement{
			Retweets:  tweet.RetweetCount,
			Likes:     tweet.LikeCount,
			Replies:   tweet.ReplyCount,
			Quotes:    tweet.QuoteCount,
			Views:     tweet.ViewCount,
			Bookmarks: tweet.BookmarkCount,
		},
	}

	for _, m := range tweet.ExtendedEntities.Media {
		media := models.Media{
			Type:        m.Type,
			URL:         m.MediaURLHTTPS,
			ExpandedURL: m.ExpandedURL,
			DisplayURL:  m.DisplayURL,
			Width:       m.OriginalInfo.Width,
			Height:      m.OriginalInfo.Height,
		}
		if media.Type == "" {
			media.Type = "photo"
		}
		if media.URL == "" {
			media.URL = m.MediaURL
		}
		if media.Type == "video" || media.Type == "animated_gif" {
			bestBitrate := -1
			for _, v := range m.VideoInfo.Variants {
				if v.ContentType == "video/mp4" && v.Bitrate > bestBitrate {
					bestBitrate = v.Bitrate
					media.URL = v.URL
				}
			}
		}
		item.Media = append(item.Media, media)
	}

	if len(item.Media) == 0 {
		for _, u := range tweet.Entities.URLs {
			link := u.ExpandedURL
			if link == "" {
				link = u.URL
			}
			item.Media = append(item.Media, models.Media{Type: "url", URL: link, DisplayURL: u.DisplayURL})
		}
	}

	return item, nil
}

// parseTimestamp accepts the upstream "Mon Jan 02 15:04:05 -0700 2006" form and RFC3339
func parseTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("missing timestamp")
	}
	for _, layout := range []string{time.RubyDate, time.RFC3339, time.RFC3339Nano} {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}

func looksNotFound(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return strings.Contains(strings.ToLower(apiErr.Message), "not found")
	}
	return false
}

// NormalizeHandle lowercases a handle and strips a leading @
func NormalizeHandle(handle string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
}
