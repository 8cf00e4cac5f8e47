package misc

import (
	"fmt"
	"strings"
)

var sizeSuffixes = [...]string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

func FormatFileSize(bytes int64) string {
	size := float64(bytes)

	var suffixIndex int
	for size/1024 > 1 {
		size /= 1024
		suffixIndex++
	}

	res := []rune(fmt.Sprintf("%.2f", size))
	for i := len(res) - 1; i >= 0; i-- {
		if res[i] != '0' {
			if res[i] == '.' {
				i--
			}
			res = res[:i+1]
			break
		}
	}

	return string(res) + " " + sizeSuffixes[suffixIndex]
}

// SplitExt splits the filename at the last dot: "a.tar.gz" -> ("a.tar", ".gz").
// Names without a dot and dotfiles ("README", ".env") have no extension.
func SplitExt(name string) (stem, ext string) {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 {
		return name, ""
	}
	return name[:i], name[i:]
}
