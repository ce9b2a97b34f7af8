package files

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/devpm/relay/common/wire"
)

const (
	maxSearchDepth   = 20
	maxMatches       = 50
	maxMarkdownHits  = 200
	searchTimeLayout = "2006-01-02 15:04"
)

// Directories that never contain user-relevant sources.
var skipDirs = map[string]struct{}{
	"node_modules": {}, "target": {}, ".git": {}, "dist": {}, "build": {},
	"out": {}, ".next": {}, "coverage": {}, "__pycache__": {}, "venv": {},
	".venv": {}, "vendor": {}, ".turbo": {},
}

type hit struct {
	path    string
	modTime time.Time
}

// Search walks the repo looking for files matching fileName. A pattern of
// the form "*.md" matches any file with that suffix; anything else must
// match the basename exactly. Results are newest first.
func Search(repoPath, fileName string) ([]wire.FileSearchMatch, error) {
	repo, err := canonicalRepo(repoPath)
	if err != nil {
		return nil, err
	}

	suffixMode := strings.HasPrefix(fileName, "*.")
	suffix := strings.TrimPrefix(fileName, "*")
	limit := maxMatches
	if suffixMode && suffix == ".md" {
		limit = maxMarkdownHits
	}

	var hits []hit
	err = filepath.WalkDir(repo, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable entries are skipped, not fatal.
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(repo, path)
		if relErr != nil {
			return nil
		}
		if d.IsDir() {
			if path == repo {
				return nil
			}
			name := d.Name()
			if strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			if _, skip := skipDirs[name]; skip {
				return filepath.SkipDir
			}
			if strings.Count(rel, string(filepath.Separator))+1 > maxSearchDepth {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") && !suffixMode {
			// Dotfiles still match an explicit exact name.
			if name != fileName {
				return nil
			}
		}
		if suffixMode {
			if !strings.HasSuffix(name, suffix) || name == suffix {
				return nil
			}
		} else if name != fileName {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}
		hits = append(hits, hit{path: filepath.ToSlash(rel), modTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].modTime.After(hits[j].modTime) })
	if len(hits) > limit {
		hits = hits[:limit]
	}

	matches := make([]wire.FileSearchMatch, 0, len(hits))
	for _, h := range hits {
		matches = append(matches, wire.FileSearchMatch{
			Path:       h.path,
			ModifiedAt: h.modTime.Format(searchTimeLayout),
		})
	}
	return matches, nil
}
