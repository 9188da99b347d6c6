package download

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Format is one row of yt-dlp's format listing.
type Format struct {
	ID         string
	Ext        string
	Resolution string
	VideoOnly  bool
	AudioOnly  bool
}

// Formats lists what yt-dlp can fetch for m.
func (y *YtDlp) Formats(ctx context.Context, m Media) ([]Format, error) {
	args := append([]string{"--list-formats", "--no-playlist", "--no-warnings"}, y.requestArgs(m)...)
	out, err := y.invoke(ctx, append(args, m.URL))
	if err != nil {
		return nil, fmt.Errorf("list formats %s: %w: %s", m.URL, err, firstError(out))
	}
	return ParseFormats(out), nil
}

// ParseFormats reads the table printed by --list-formats. Rows before the
// ID header and the rule below it are ignored.
func ParseFormats(out []byte) []Format {
	var (
		formats []Format
		inTable bool
	)
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.ReplaceAll(line, "│", "|")
		fields := strings.Fields(line)
		if !inTable {
			inTable = len(fields) > 1 && fields[0] == "ID" && fields[1] == "EXT"
			continue
		}
		if len(fields) < 2 || strings.Trim(fields[0], "-─") == "" {
			continue
		}

		cols := strings.Split(line, "|")
		head := strings.Fields(cols[0])
		f := Format{ID: head[0], Ext: head[1]}
		switch {
		case len(head) >= 4 && head[2] == "audio" && head[3] == "only":
			f.Resolution = "audio only"
			f.AudioOnly = true
		case len(head) >= 3:
			f.Resolution = head[2]
		}
		if len(cols) > 1 {
			codecs := cols[len(cols)-1]
			f.VideoOnly = strings.Contains(codecs, "video only")
			f.AudioOnly = f.AudioOnly || strings.Contains(codecs, "audio only")
		}
		formats = append(formats, f)
	}
	return formats
}

// PairedFormat builds a selector merging the largest video-only stream with
// the last listed audio-only stream, for players that serve them apart.
func PairedFormat(formats []Format) (string, bool) {
	var video, audio *Format
	best := -1
	for i := range formats {
		f := &formats[i]
		switch {
		case f.VideoOnly:
			if px := pixels(f.Resolution); px > best {
				video, best = f, px
			}
		case f.AudioOnly:
			audio = f
		}
	}
	if video == nil || audio == nil {
		return "", false
	}
	return video.ID + "+" + audio.ID, true
}

func pixels(res string) int {
	w, h, ok := strings.Cut(res, "x")
	if !ok {
		return 0
	}
	wi, err1 := strconv.Atoi(w)
	hi, err2 := strconv.Atoi(h)
	if err1 != nil || err2 != nil {
		return 0
	}
	return wi * hi
}
