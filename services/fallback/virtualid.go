package fallback

import (
	"fmt"
)

// Episode ids are 14-digit integers: 25 || anime_id(6) || source_order(2) ||
// episode(4). The fixed widths make the id self-describing, so a client can
// hand back any id we minted and we can route it without a lookup. Episode
// 0000 addresses the whole show.

const (
	idPrefix = 25

	// Virtual anime ids are minted from this floor; real library ids stay
	// far below it.
	VirtualAnimeFloor = 900000
	virtualAnimeCeil  = 999999

	// PlaceholderAnimeID is the reserved id of the "searching at N%" item.
	PlaceholderAnimeID = 999999999

	maxAnimeID     = 999999
	maxSourceOrder = 99
	maxEpisode     = 9999
)

// EncodeEpisodeID packs (animeID, sourceOrder, episode) into a 14-digit id.
// episode 0 addresses the whole show.
func EncodeEpisodeID(animeID int64, sourceOrder, episode int) (int64, error) {
	if animeID < 1 || animeID > maxAnimeID {
		return 0, fmt.Errorf("anime id %d out of range", animeID)
	}
	if sourceOrder < 1 || sourceOrder > maxSourceOrder {
		return 0, fmt.Errorf("source order %d out of range", sourceOrder)
	}
	if episode < 0 || episode > maxEpisode {
		return 0, fmt.Errorf("episode %d out of range", episode)
	}
	return idPrefix*1e12 + animeID*1e6 + int64(sourceOrder)*1e4 + int64(episode), nil
}

// DecodeEpisodeID unpacks a 14-digit id. wholeShow is true when the episode
// digits are 0000.
func DecodeEpisodeID(id int64) (animeID int64, sourceOrder, episode int, wholeShow bool, err error) {
	if id < 10_000_000_000_000 || id > 99_999_999_999_999 {
		return 0, 0, 0, false, fmt.Errorf("episode id %d is not 14 digits", id)
	}
	if id/1e12 != idPrefix {
		return 0, 0, 0, false, fmt.Errorf("episode id %d has unknown prefix", id)
	}
	animeID = (id / 1e6) % 1e6
	sourceOrder = int((id / 1e4) % 100)
	episode = int(id % 1e4)
	return animeID, sourceOrder, episode, episode == 0, nil
}

// IsVirtualAnimeID reports whether an anime id came out of the fallback
// minting range rather than the library.
func IsVirtualAnimeID(id int64) bool {
	return id >= VirtualAnimeFloor && id <= virtualAnimeCeil
}
