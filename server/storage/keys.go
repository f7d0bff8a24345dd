package storage

import (
	"fmt"
	"path"
	"strings"
)

func VideoKey(id string) string {
	return id + "_video.mp4"
}

func ReportKey(id string) string {
	return id + "_report.pdf"
}

func FrameKey(folder string, idx int) string {
	return fmt.Sprintf("%s/img%d.png", folder, idx)
}

func FolderPrefix(folder string) string {
	return strings.TrimSuffix(folder, "/") + "/"
}

// RebaseKey moves key into folder, keeping only its file name.
func RebaseKey(key, folder string) string {
	return FolderPrefix(folder) + path.Base(key)
}
