package service

import (
	"math"
	"strings"

	"github.com/dustin/go-humanize"
)

var sizeUnits = []string{"B", "KB", "MB", "GB"}

// FormatSize renders a byte count in binary units with at most two decimals:
// 0 → "0 B", 1536 → "1.5 KB", 1048576 → "1 MB". GB is the largest unit.
func FormatSize(n int64) string {
	v := float64(n)
	unit := 0
	for v >= 1024 && unit < len(sizeUnits)-1 {
		v /= 1024
		unit++
	}
	return humanize.FtoaWithDigits(math.Round(v*100)/100, 2) + " " + sizeUnits[unit]
}

var contentTypes = map[string]string{
	".pdf":  "application/pdf",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".txt":  "text/plain",
	".mp4":  "video/mp4",
	".avi":  "video/x-msvideo",
}

// ContentType maps a file extension (with dot, any case) to the MIME type
// served on download.
func ContentType(ext string) string {
	if ct, ok := contentTypes[strings.ToLower(ext)]; ok {
		return ct
	}
	return "application/octet-stream"
}
