// Package extract pulls artifact URLs out of a finished job's item list.
package extract

import (
	"errors"
	"fmt"
)

var ErrExtractionFailed = errors.New("no artifact URL in result items")

// Item is one entry of a history record's item_list. Only the locator
// fields are decoded.
type Item struct {
	CommonAttr CommonAttr `json:"common_attr"`
	Image      *Image     `json:"image,omitempty"`
	Video      *Video     `json:"video,omitempty"`
}

type CommonAttr struct {
	CoverURL string `json:"cover_url"`
}

type Image struct {
	LargeImages []LargeImage `json:"large_images"`
}

type LargeImage struct {
	ImageURL string `json:"image_url"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

type Video struct {
	VideoURL        string           `json:"video_url"`
	TranscodedVideo *TranscodedVideo `json:"transcoded_video,omitempty"`
}

type TranscodedVideo struct {
	Origin *VideoSource `json:"origin,omitempty"`
}

type VideoSource struct {
	VideoURL string `json:"video_url"`
}

// URL returns the best locator for the item: the original video, then the
// plain video URL, then the first full-size image, then the cover.
func (it Item) URL() string {
	if v := it.Video; v != nil {
		if v.TranscodedVideo != nil && v.TranscodedVideo.Origin != nil && v.TranscodedVideo.Origin.VideoURL != "" {
			return v.TranscodedVideo.Origin.VideoURL
		}
		if v.VideoURL != "" {
			return v.VideoURL
		}
	}
	if it.Image != nil {
		for _, li := range it.Image.LargeImages {
			if li.ImageURL != "" {
				return li.ImageURL
			}
		}
	}
	return it.CommonAttr.CoverURL
}

// URLs collects one URL per item, skipping items without a locator. An
// empty item list yields no URLs and no error; a non-empty list with no
// locator at all yields ErrExtractionFailed.
func URLs(items []Item) ([]string, error) {
	urls := make([]string, 0, len(items))
	for _, it := range items {
		if u := it.URL(); u != "" {
			urls = append(urls, u)
		}
	}
	if len(items) > 0 && len(urls) == 0 {
		return nil, fmt.Errorf("%w: %d items", ErrExtractionFailed, len(items))
	}
	return urls, nil
}
