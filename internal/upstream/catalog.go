package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"example.com/runtracker/internal/metadata"
)

type staticData struct {
	Seasons []staticSeason `json:"seasons"`
}

type staticSeason struct {
	Slug      string          `json:"slug"`
	Name      string          `json:"name"`
	ShortName string          `json:"short_name"`
	Dungeons  []staticDungeon `json:"dungeons"`
}

type staticDungeon struct {
	ID                   int64   `json:"id"`
	ChallengeModeID      int64   `json:"challenge_mode_id"`
	Slug                 string  `json:"slug"`
	Name                 string  `json:"name"`
	ShortName            string  `json:"short_name"`
	KeystoneTimerSeconds float64 `json:"keystone_timer_seconds"`
	IconURL              string  `json:"icon_url"`
	BackgroundImageURL   string  `json:"background_image_url"`
}

// FetchCatalog loads dungeon reference data for the configured expansion. The season is
// chosen by slug, then by short name, then the first season listed.
func (s *Session) FetchCatalog(ctx context.Context) (metadata.Catalog, error) {
	params := url.Values{}
	params.Set("expansion_id", strconv.Itoa(s.client.cfg.Expansion))

	resp, err := s.get(ctx, endpointStatic, "/mythic-plus/static-data", params)
	if err != nil {
		return metadata.Catalog{}, err
	}
	if resp.status != http.StatusOK {
		return metadata.Catalog{}, fmt.Errorf("%w: static data status %d", ErrUnavailable, resp.status)
	}

	var data staticData
	if err := json.Unmarshal(resp.body, &data); err != nil {
		return metadata.Catalog{}, fmt.Errorf("%w: decode static data: %v", ErrUnavailable, err)
	}
	season, ok := pickSeason(data.Seasons, s.client.cfg.Seasons.Current, s.client.cfg.SeasonShortName)
	if !ok {
		return metadata.Catalog{}, fmt.Errorf("%w: static data lists no seasons", ErrUnavailable)
	}

	entries := make(map[string]metadata.Entry, len(season.Dungeons))
	for _, d := range season.Dungeons {
		if d.Name == "" {
			continue
		}
		entries[d.Name] = metadata.Entry{
			ID:              d.ID,
			ChallengeModeID: d.ChallengeModeID,
			Slug:            d.Slug,
			ShortName:       d.ShortName,
			TimerBudgetMs:   int64(d.KeystoneTimerSeconds * 1000),
			IconURL:         d.IconURL,
			ImageURL:        d.BackgroundImageURL,
		}
	}
	// the catalog always answers for the tracked season, even when it was matched by short
	// name or position, so readers keyed by the configured slug find it
	partition := s.client.cfg.Seasons.Current
	if partition == "" {
		partition = season.Slug
	}
	return metadata.Catalog{PartitionKey: partition, Entries: entries}, nil
}

func pickSeason(seasons []staticSeason, slug, shortName string) (staticSeason, bool) {
	if len(seasons) == 0 {
		return staticSeason{}, false
	}
	for _, season := range seasons {
		if slug != "" && strings.EqualFold(season.Slug, slug) {
			return season, true
		}
	}
	for _, season := range seasons {
		if shortName != "" && strings.EqualFold(season.ShortName, shortName) {
			return season, true
		}
	}
	return seasons[0], true
}

// FetchCatalog opens a short-lived session for a single catalog fetch.
func (c *Client) FetchCatalog(ctx context.Context) (metadata.Catalog, error) {
	session := c.NewSession()
	defer session.Close()
	return session.FetchCatalog(ctx)
}
