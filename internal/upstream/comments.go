package upstream

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
)

const pathCommentList = "/aweme/v1/web/comment/list/"

const commentPageSize = 50

type Comment struct {
	CID       string
	Text      string
	DiggCount int64
}

type commentListBody struct {
	Comments []struct {
		CID       string  `json:"cid"`
		Text      string  `json:"text"`
		DiggCount flexInt `json:"digg_count"`
	} `json:"comments"`
	Cursor  flexInt `json:"cursor"`
	HasMore flexInt `json:"has_more"`
}

// FetchComments pages through the top level comments of a post until limit
// comments were read or the platform reports no more. Pages only pass the
// global rate limit, per-target spacing applies to the detail request.
func (c *Client) FetchComments(ctx context.Context, awemeID string, limit int) ([]Comment, error) {
	out := []Comment{}
	cursor := int64(0)
	for len(out) < limit {
		res, err := c.Do(ctx, Request{
			URL: c.config.BaseURL + pathCommentList,
			Params: url.Values{
				"aweme_id": {awemeID},
				"cursor":   {strconv.FormatInt(cursor, 10)},
				"count":    {strconv.Itoa(commentPageSize)},
			},
		})
		if err != nil {
			return nil, err
		}

		var body commentListBody
		err = res.Decode(&body)
		if err != nil {
			return nil, &UpstreamError{Status: res.Status, Body: fmt.Sprintf("decode comment list: %s", err)}
		}
		if len(body.Comments) == 0 {
			break
		}
		for _, comment := range body.Comments {
			out = append(out, Comment{
				CID:       comment.CID,
				Text:      comment.Text,
				DiggCount: int64(comment.DiggCount),
			})
		}
		if body.HasMore == 0 || int64(body.Cursor) == cursor {
			break
		}
		cursor = int64(body.Cursor)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
