package router

import (
	"context"
	"fmt"
	"strconv"

	"github.com/nugget/termkeep/internal/alist"
)

// browse lists dir and makes it the session's current directory. On
// failure the session keeps its previous path and listing.
func (r *Router) browse(ctx context.Context, sess *Session, dir string) Reply {
	dir = alist.Clean(dir)
	entries, err := r.cfg.Storage.List(ctx, dir)
	if err != nil {
		r.logger.Warn("storage listing failed", "path", dir, "error", err)
		reply := storageFailure(err)
		reply.Buttons = [][]Button{{
			{Text: "🔄 Retry", Data: cbFilesReload},
			{Text: "🔙 Menu", Data: cbMainMenu},
		}}
		return reply
	}
	sess.CurrentPath = dir
	sess.LastListing = entries
	return r.renderListing(sess)
}

func (r *Router) renderListing(sess *Session) Reply {
	rows := [][]Button{
		{{Text: "📂 " + sess.CurrentPath, Data: cbNoop}},
		{{Text: "⬆️ Up", Data: cbFilesUp}},
	}

	shown := sess.LastListing
	if len(shown) > r.cfg.PageSize {
		shown = shown[:r.cfg.PageSize]
	}
	for i, e := range shown {
		idx := strconv.Itoa(i)
		if e.IsDir {
			rows = append(rows, []Button{{Text: "📁 " + e.Name, Data: cbFilesCD + "_" + idx}})
			continue
		}
		rows = append(rows, []Button{{
			Text: fmt.Sprintf("📄 %s (%s)", e.Name, humanSize(e.Size)),
			Data: cbFilesOpt + "_" + idx,
		}})
	}
	rows = append(rows, []Button{
		{Text: "🔄 Refresh", Data: cbFilesReload},
		{Text: "🔙 Menu", Data: cbMainMenu},
	})

	text := fmt.Sprintf("📂 %s (%d items)", sess.CurrentPath, len(sess.LastListing))
	if hidden := len(sess.LastListing) - len(shown); hidden > 0 {
		text += fmt.Sprintf("\nshowing the first %d; %d more not shown", len(shown), hidden)
	}
	if len(sess.LastListing) == 0 {
		text += "\n(empty)"
	}
	return Reply{Text: text, Buttons: rows}
}

// lookup resolves a listing index to its entry and full path.
func (r *Router) lookup(sess *Session, idx int) (alist.DirEntry, string, bool) {
	e, ok := sess.entry(idx)
	if !ok {
		return alist.DirEntry{}, "", false
	}
	return e, alist.Join(sess.CurrentPath, e.Name), true
}

func staleIndex(idx int) Reply {
	return failed("Item %d is not in the current listing. Refresh and try again.", idx)
}

func (r *Router) enter(ctx context.Context, sess *Session, idx int) Reply {
	e, path, ok := r.lookup(sess, idx)
	if !ok {
		return staleIndex(idx)
	}
	if !e.IsDir {
		return failed("%s is not a directory.", e.Name)
	}
	return r.browse(ctx, sess, path)
}

func (r *Router) fileOptions(sess *Session, idx int) Reply {
	e, path, ok := r.lookup(sess, idx)
	if !ok {
		return staleIndex(idx)
	}
	n := strconv.Itoa(idx)
	return Reply{
		Text: fmt.Sprintf("📄 %s\n%s", path, humanSize(e.Size)),
		Buttons: [][]Button{
			{{Text: "📄 " + e.Name, Data: cbNoop}},
			{
				{Text: "▶️ Stream", Data: cbFilesStream + "_" + n},
				{Text: "🔗 Direct link", Data: cbFilesLink + "_" + n},
			},
			{{Text: "🔙 Back", Data: cbFilesBack}},
		},
	}
}

// resolve turns a listing index into a direct link.
func (r *Router) resolve(ctx context.Context, sess *Session, idx int) (string, string, *Reply) {
	e, path, ok := r.lookup(sess, idx)
	if !ok {
		reply := staleIndex(idx)
		return "", "", &reply
	}
	if e.IsDir {
		reply := failed("%s is a directory.", e.Name)
		return "", "", &reply
	}
	link, err := r.cfg.Storage.ResolveDirectLink(ctx, path)
	if err != nil {
		r.logger.Warn("direct link failed", "path", path, "error", err)
		reply := storageFailure(err)
		return "", "", &reply
	}
	return path, link, nil
}

func (r *Router) linkEntry(ctx context.Context, sess *Session, idx int) Reply {
	path, link, fail := r.resolve(ctx, sess, idx)
	if fail != nil {
		return *fail
	}
	return Reply{
		Text:    fmt.Sprintf("🔗 %s\n%s", path, link),
		Buttons: [][]Button{{{Text: "🔙 Back", Data: cbFilesBack}}},
	}
}

func (r *Router) streamEntry(ctx context.Context, sess *Session, idx int) Reply {
	_, link, fail := r.resolve(ctx, sess, idx)
	if fail != nil {
		return *fail
	}
	return r.startStream(ctx, link)
}

func humanSize(n int64) string {
	if n < 0 {
		return "dir"
	}
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
