package session

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/zsiec/glass/media"
)

// moqCatalog is the top-level catalog structure per draft-ietf-moq-catalogformat-01.
type moqCatalog struct {
	Version                int               `json:"version"`
	StreamingFormat        int               `json:"streamingFormat"`
	StreamingFormatVersion string            `json:"streamingFormatVersion"`
	CommonTrackFields      moqCommonFields   `json:"commonTrackFields"`
	Tracks                 []moqCatalogTrack `json:"tracks"`
}

// moqCommonFields holds fields shared by all tracks in the catalog.
type moqCommonFields struct {
	Namespace string `json:"namespace"`
	Packaging string `json:"packaging"`
}

// moqCatalogTrack describes a single track in the catalog.
type moqCatalogTrack struct {
	Name            string             `json:"name"`
	SelectionParams moqSelectionParams `json:"selectionParams"`
}

// moqSelectionParams holds codec and media parameters for track selection.
type moqSelectionParams struct {
	Codec         string `json:"codec"`
	Width         int    `json:"width,omitempty"`
	Height        int    `json:"height,omitempty"`
	InitData      string `json:"initData,omitempty"`
	SampleRate    int    `json:"samplerate,omitempty"`
	ChannelConfig string `json:"channelConfig,omitempty"`
}

// parseCatalog decodes the catalog object into the session's track list.
// Track names follow the convention catalog | video | audio<N> | captions
// | stats; unrecognized names are skipped.
func parseCatalog(data []byte) ([]media.Track, error) {
	var cat moqCatalog
	if err := json.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	tracks := make([]media.Track, 0, len(cat.Tracks))
	for _, ct := range cat.Tracks {
		t := media.Track{
			Name:  ct.Name,
			Codec: ct.SelectionParams.Codec,
		}

		switch {
		case ct.Name == "video":
			t.Kind = media.KindVideo
			t.Width = ct.SelectionParams.Width
			t.Height = ct.SelectionParams.Height
			if ct.SelectionParams.InitData != "" {
				init, err := base64.StdEncoding.DecodeString(ct.SelectionParams.InitData)
				if err != nil {
					return nil, fmt.Errorf("decode initData for %s: %w", ct.Name, err)
				}
				t.InitData = init
			}

		case strings.HasPrefix(ct.Name, "audio"):
			idx, err := strconv.Atoi(strings.TrimPrefix(ct.Name, "audio"))
			if err != nil || idx < 0 {
				continue
			}
			t.Kind = media.KindAudio
			t.TrackIndex = idx
			t.SampleRate = ct.SelectionParams.SampleRate
			if ch, err := strconv.Atoi(ct.SelectionParams.ChannelConfig); err == nil {
				t.Channels = ch
			}

		case ct.Name == "captions":
			t.Kind = media.KindCaption

		case ct.Name == "stats":
			t.Kind = media.KindStats

		default:
			continue
		}

		tracks = append(tracks, t)
	}

	return tracks, nil
}
