package xlog

import (
	"log/slog"
	"path/filepath"
)

// AttrReplacer is called to rewrite each non-group attribute before it is logged.
type AttrReplacer func(groups []string, attr slog.Attr) slog.Attr

// NormalizeSourceAttrReplacer replaces source file path as basename.
func NormalizeSourceAttrReplacer() AttrReplacer {
	return func(groups []string, attr slog.Attr) slog.Attr {
		// Remove the directory from the source's filename.
		if attr.Key == slog.SourceKey {
			if source, ok := attr.Value.Any().(*slog.Source); ok {
				source.File = filepath.Base(source.File)
			}
		}
		return attr
	}
}
