package upstream

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	pathUserProfile = "/aweme/v1/web/user/profile/other/"
	pathVideoDetail = "/aweme/v1/web/aweme/detail/"
	pathHotSearch   = "/aweme/v1/web/hot/search/list/"
	pathLiveEnter   = "/webcast/room/web/enter/"
)

// flexInt accepts both json numbers and numeric strings.
type flexInt int64

func (f *flexInt) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || string(data) == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return err
	}
	*f = flexInt(n)
	return nil
}

type UserProfile struct {
	SecUID         string
	UID            string
	Nickname       string
	FollowerCount  int64
	FollowingCount int64
	TotalFavorited int64
	AwemeCount     int64
}

func (u UserProfile) Metrics() map[string]float64 {
	return map[string]float64{
		"follower_count":  float64(u.FollowerCount),
		"following_count": float64(u.FollowingCount),
		"total_likes":     float64(u.TotalFavorited),
		"post_count":      float64(u.AwemeCount),
	}
}

type userProfileBody struct {
	User *struct {
		UID            string  `json:"uid"`
		Nickname       string  `json:"nickname"`
		FollowerCount  flexInt `json:"follower_count"`
		FollowingCount flexInt `json:"following_count"`
		TotalFavorited flexInt `json:"total_favorited"`
		AwemeCount     flexInt `json:"aweme_count"`
	} `json:"user"`
}

func (c *Client) FetchUser(ctx context.Context, secUID, key string) (UserProfile, error) {
	res, err := c.Do(ctx, Request{
		URL:    c.config.BaseURL + pathUserProfile,
		Params: url.Values{"sec_user_id": {secUID}},
		Key:    key,
	})
	if err != nil {
		return UserProfile{}, err
	}

	var body userProfileBody
	err = res.Decode(&body)
	if err != nil {
		return UserProfile{}, &UpstreamError{Status: res.Status, Body: fmt.Sprintf("decode user profile: %s", err)}
	}
	if body.User == nil {
		return UserProfile{}, &UpstreamError{Status: res.Status, Body: "user profile missing from response"}
	}
	return UserProfile{
		SecUID:         secUID,
		UID:            body.User.UID,
		Nickname:       body.User.Nickname,
		FollowerCount:  int64(body.User.FollowerCount),
		FollowingCount: int64(body.User.FollowingCount),
		TotalFavorited: int64(body.User.TotalFavorited),
		AwemeCount:     int64(body.User.AwemeCount),
	}, nil
}

type VideoDetail struct {
	AwemeID      string
	Desc         string
	PlayCount    int64
	DiggCount    int64
	CommentCount int64
	ShareCount   int64
	CollectCount int64
}

func (v VideoDetail) Metrics() map[string]float64 {
	return map[string]float64{
		"play_count":    float64(v.PlayCount),
		"like_count":    float64(v.DiggCount),
		"comment_count": float64(v.CommentCount),
		"share_count":   float64(v.ShareCount),
		"collect_count": float64(v.CollectCount),
	}
}

type videoDetailBody struct {
	AwemeDetail *struct {
		AwemeID    string `json:"aweme_id"`
		Desc       string `json:"desc"`
		Statistics struct {
			PlayCount    flexInt `json:"play_count"`
			DiggCount    flexInt `json:"digg_count"`
			CommentCount flexInt `json:"comment_count"`
			ShareCount   flexInt `json:"share_count"`
			CollectCount flexInt `json:"collect_count"`
		} `json:"statistics"`
	} `json:"aweme_detail"`
}

func (c *Client) FetchVideo(ctx context.Context, awemeID, key string) (VideoDetail, error) {
	res, err := c.Do(ctx, Request{
		URL:    c.config.BaseURL + pathVideoDetail,
		Params: url.Values{"aweme_id": {awemeID}},
		Key:    key,
	})
	if err != nil {
		return VideoDetail{}, err
	}

	var body videoDetailBody
	err = res.Decode(&body)
	if err != nil {
		return VideoDetail{}, &UpstreamError{Status: res.Status, Body: fmt.Sprintf("decode video detail: %s", err)}
	}
	if body.AwemeDetail == nil {
		// deleted or private posts come back without a detail object
		return VideoDetail{}, &UpstreamError{Status: res.Status, Body: "video detail missing from response"}
	}
	stats := body.AwemeDetail.Statistics
	return VideoDetail{
		AwemeID:      awemeID,
		Desc:         body.AwemeDetail.Desc,
		PlayCount:    int64(stats.PlayCount),
		DiggCount:    int64(stats.DiggCount),
		CommentCount: int64(stats.CommentCount),
		ShareCount:   int64(stats.ShareCount),
		CollectCount: int64(stats.CollectCount),
	}, nil
}

// live room status values
const (
	LiveStatusLive  = 2
	LiveStatusEnded = 4
)

type LiveRoom struct {
	RoomID      string
	Title       string
	Status      int
	ViewerCount int64
}

func (l LiveRoom) Metrics() map[string]float64 {
	return map[string]float64{
		"viewer_count": float64(l.ViewerCount),
		"status":       float64(l.Status),
	}
}

type liveRoom struct {
	Title        string `json:"title"`
	Status       int    `json:"status"`
	UserCountStr string `json:"user_count_str"`
}

type liveEnterBody struct {
	Data struct {
		Room *liveRoom  `json:"room"`
		Data []liveRoom `json:"data"`
	} `json:"data"`
}

func (c *Client) FetchLive(ctx context.Context, roomID, key string) (LiveRoom, error) {
	res, err := c.Do(ctx, Request{
		URL: c.config.LiveBaseURL + pathLiveEnter,
		Params: url.Values{
			"aid":         {"6383"},
			"web_rid":     {roomID},
			"room_id_str": {roomID},
		},
		Key:      key,
		Unsigned: true,
	})
	if err != nil {
		return LiveRoom{}, err
	}

	var body liveEnterBody
	err = res.Decode(&body)
	if err != nil {
		return LiveRoom{}, &UpstreamError{Status: res.Status, Body: fmt.Sprintf("decode live room: %s", err)}
	}
	room := body.Data.Room
	if room == nil && len(body.Data.Data) > 0 {
		room = &body.Data.Data[0]
	}
	if room == nil {
		return LiveRoom{}, &UpstreamError{Status: res.Status, Body: "live room missing from response"}
	}
	return LiveRoom{
		RoomID:      roomID,
		Title:       room.Title,
		Status:      room.Status,
		ViewerCount: ParseCount(room.UserCountStr),
	}, nil
}

type TrendingWord struct {
	Position int    `json:"position"`
	Word     string `json:"word"`
	HotValue int64  `json:"hot_value"`
}

type hotSearchBody struct {
	Data struct {
		WordList []struct {
			Position int     `json:"position"`
			Word     string  `json:"word"`
			HotValue flexInt `json:"hot_value"`
		} `json:"word_list"`
	} `json:"data"`
}

// FetchTrending returns the hot search board.
func (c *Client) FetchTrending(ctx context.Context) ([]TrendingWord, error) {
	res, err := c.Do(ctx, Request{
		URL:    c.config.BaseURL + pathHotSearch,
		Params: url.Values{"detail_list": {"1"}},
	})
	if err != nil {
		return nil, err
	}

	var body hotSearchBody
	err = res.Decode(&body)
	if err != nil {
		return nil, &UpstreamError{Status: http.StatusOK, Body: fmt.Sprintf("decode hot search: %s", err)}
	}
	out := make([]TrendingWord, 0, len(body.Data.WordList))
	for i, w := range body.Data.WordList {
		position := w.Position
		if position == 0 {
			position = i + 1
		}
		out = append(out, TrendingWord{
			Position: position,
			Word:     w.Word,
			HotValue: int64(w.HotValue),
		})
	}
	return out, nil
}

// ParseCount parses display counts like "3,456", "1.2万", "1.5w" or "2亿".
func ParseCount(s string) int64 {
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(strings.TrimRight(strings.TrimSpace(s), "+"))
	if s == "" {
		return 0
	}
	multiplier := 1.0
	switch {
	case strings.HasSuffix(s, "万"):
		multiplier = 1e4
		s = strings.TrimSuffix(s, "万")
	case strings.HasSuffix(s, "亿"):
		multiplier = 1e8
		s = strings.TrimSuffix(s, "亿")
	case strings.HasSuffix(s, "w"), strings.HasSuffix(s, "W"):
		multiplier = 1e4
		s = s[:len(s)-1]
	case strings.HasSuffix(s, "k"), strings.HasSuffix(s, "K"):
		multiplier = 1e3
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return int64(n*multiplier + 0.5)
}
