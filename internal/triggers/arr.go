package triggers

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/mescon/autopulse/internal/logger"
)

// The *arr family shares one webhook envelope shape: an eventType
// discriminator plus per-application file lists. Downloads carry a file
// relative to the series/movie/artist folder, renames carry previous and new
// paths, deletes carry the removed file.

type arrFile struct {
	Path         string `json:"path"`
	RelativePath string `json:"relativePath"`
	PreviousPath string `json:"previousPath"`
}

// resolve joins a relative path under the media folder; absolute paths win.
func (f arrFile) resolve(root string) string {
	if f.Path != "" {
		return f.Path
	}
	return filepath.Join(root, f.RelativePath)
}

type arrFolder struct {
	Path       string `json:"path"`
	FolderPath string `json:"folderPath"`
}

func (f arrFolder) root() string {
	if f.FolderPath != "" {
		return f.FolderPath
	}
	return f.Path
}

func parseSonarr(body []byte) ([]Hint, error) {
	var payload struct {
		EventType           string    `json:"eventType"`
		Series              arrFolder `json:"series"`
		EpisodeFile         *arrFile  `json:"episodeFile"`
		EpisodeFiles        []arrFile `json:"episodeFiles"`
		RenamedEpisodeFiles []arrFile `json:"renamedEpisodeFiles"`
		DeletedFiles        []arrFile `json:"deletedFiles"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("malformed sonarr payload: %w", err)
	}

	root := payload.Series.root()
	switch payload.EventType {
	case "Download":
		var hints []Hint
		// Newer payloads carry episodeFiles; the singular field is the
		// legacy form. Using both would double-emit the same file.
		if len(payload.EpisodeFiles) > 0 {
			for _, f := range payload.EpisodeFiles {
				hints = append(hints, Hint{Path: f.resolve(root), ExpectPresent: true})
			}
		} else if payload.EpisodeFile != nil {
			hints = append(hints, Hint{Path: payload.EpisodeFile.resolve(root), ExpectPresent: true})
		}
		// Upgrades replace files; the old ones are reported alongside.
		for _, f := range payload.DeletedFiles {
			hints = append(hints, Hint{Path: f.resolve(root), ExpectPresent: false})
		}
		return hints, nil

	case "Rename":
		return renameHints(root, payload.RenamedEpisodeFiles), nil

	case "EpisodeFileDelete", "SeriesDelete":
		var hints []Hint
		if payload.EpisodeFile != nil {
			hints = append(hints, Hint{Path: payload.EpisodeFile.resolve(root), ExpectPresent: false})
		}
		for _, f := range payload.DeletedFiles {
			hints = append(hints, Hint{Path: f.resolve(root), ExpectPresent: false})
		}
		return hints, nil

	case "Test":
		return nil, nil

	default:
		logger.Debugf("Ignoring sonarr event type %q", payload.EventType)
		return nil, nil
	}
}

func parseRadarr(body []byte) ([]Hint, error) {
	var payload struct {
		EventType         string    `json:"eventType"`
		Movie             arrFolder `json:"movie"`
		MovieFile         *arrFile  `json:"movieFile"`
		RenamedMovieFiles []arrFile `json:"renamedMovieFiles"`
		DeletedFiles      []arrFile `json:"deletedFiles"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("malformed radarr payload: %w", err)
	}

	root := payload.Movie.root()
	switch payload.EventType {
	case "Download":
		var hints []Hint
		if payload.MovieFile != nil {
			hints = append(hints, Hint{Path: payload.MovieFile.resolve(root), ExpectPresent: true})
		}
		for _, f := range payload.DeletedFiles {
			hints = append(hints, Hint{Path: f.resolve(root), ExpectPresent: false})
		}
		return hints, nil

	case "Rename":
		return renameHints(root, payload.RenamedMovieFiles), nil

	case "MovieFileDelete", "MovieDelete":
		var hints []Hint
		if payload.MovieFile != nil {
			hints = append(hints, Hint{Path: payload.MovieFile.resolve(root), ExpectPresent: false})
		}
		for _, f := range payload.DeletedFiles {
			hints = append(hints, Hint{Path: f.resolve(root), ExpectPresent: false})
		}
		return hints, nil

	case "Test":
		return nil, nil

	default:
		logger.Debugf("Ignoring radarr event type %q", payload.EventType)
		return nil, nil
	}
}

func parseLidarr(body []byte) ([]Hint, error) {
	var payload struct {
		EventType         string    `json:"eventType"`
		Artist            arrFolder `json:"artist"`
		TrackFiles        []arrFile `json:"trackFiles"`
		RenamedTrackFiles []arrFile `json:"renamedTrackFiles"`
		DeletedFiles      []arrFile `json:"deletedFiles"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("malformed lidarr payload: %w", err)
	}

	root := payload.Artist.root()
	switch payload.EventType {
	case "Download", "AlbumDownload":
		var hints []Hint
		for _, f := range payload.TrackFiles {
			hints = append(hints, Hint{Path: f.resolve(root), ExpectPresent: true})
		}
		for _, f := range payload.DeletedFiles {
			hints = append(hints, Hint{Path: f.resolve(root), ExpectPresent: false})
		}
		return hints, nil

	case "Rename":
		return renameHints(root, payload.RenamedTrackFiles), nil

	case "TrackFileDelete", "ArtistDelete":
		var hints []Hint
		for _, f := range payload.TrackFiles {
			hints = append(hints, Hint{Path: f.resolve(root), ExpectPresent: false})
		}
		for _, f := range payload.DeletedFiles {
			hints = append(hints, Hint{Path: f.resolve(root), ExpectPresent: false})
		}
		return hints, nil

	case "Test":
		return nil, nil

	default:
		logger.Debugf("Ignoring lidarr event type %q", payload.EventType)
		return nil, nil
	}
}

func parseReadarr(body []byte) ([]Hint, error) {
	var payload struct {
		EventType        string    `json:"eventType"`
		Author           arrFolder `json:"author"`
		BookFiles        []arrFile `json:"bookFiles"`
		RenamedBookFiles []arrFile `json:"renamedBookFiles"`
		DeletedFiles     []arrFile `json:"deletedFiles"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("malformed readarr payload: %w", err)
	}

	root := payload.Author.root()
	switch payload.EventType {
	case "Download", "BookDownload":
		var hints []Hint
		for _, f := range payload.BookFiles {
			hints = append(hints, Hint{Path: f.resolve(root), ExpectPresent: true})
		}
		for _, f := range payload.DeletedFiles {
			hints = append(hints, Hint{Path: f.resolve(root), ExpectPresent: false})
		}
		return hints, nil

	case "Rename":
		return renameHints(root, payload.RenamedBookFiles), nil

	case "BookFileDelete", "AuthorDelete":
		var hints []Hint
		for _, f := range payload.BookFiles {
			hints = append(hints, Hint{Path: f.resolve(root), ExpectPresent: false})
		}
		for _, f := range payload.DeletedFiles {
			hints = append(hints, Hint{Path: f.resolve(root), ExpectPresent: false})
		}
		return hints, nil

	case "Test":
		return nil, nil

	default:
		logger.Debugf("Ignoring readarr event type %q", payload.EventType)
		return nil, nil
	}
}

// renameHints emits the departed path and the new one for every renamed file.
func renameHints(root string, files []arrFile) []Hint {
	var hints []Hint
	for _, f := range files {
		if f.PreviousPath != "" {
			hints = append(hints, Hint{Path: f.PreviousPath, ExpectPresent: false})
		}
		hints = append(hints, Hint{Path: f.resolve(root), ExpectPresent: true})
	}
	return hints
}
