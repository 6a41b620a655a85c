// Package mime 内容类型到文件扩展名的静态映射表
package mime

import "strings"

// table 中每个类型的第一个扩展名为默认扩展名
var table = map[string][]string{
	"text/html":                     {"html", "htm"},
	"text/css":                      {"css"},
	"text/javascript":               {"js", "json"},
	"text/mspg-legacyinfo":          {"msi", "msp"},
	"text/plain":                    {"txt", "vtt", "srt", "m3u", "pls", "m3u8", "mpd", "f4m", "torrent", "btt"},
	"text/srt":                      {"srt"},
	"text/vtt":                      {"vtt", "srt"},
	"text/xml":                      {"xml", "mpd", "f4m", "ttml", "ttml2"},
	"text/x-javascript":             {"js", "json"},
	"text/x-json":                   {"json"},
	"application/dash+xml":          {"mpd"},
	"application/f4m+xml":           {"f4m", "mpd"},
	"application/gzip":              {"gz"},
	"application/javascript":        {"js"},
	"application/json":              {"json"},
	"application/json+protobuf":     {"json"},
	"application/msword":            {"doc", "docx", "dot", "dotx"},
	"application/ocsp-response":     {"ocsp"},
	"application/octet-stream-m3u8": {"m3u8"},
	"application/pdf":               {"pdf"},
	"application/pkix-crl":          {"crl"},
	"application/torrent":           {"torrent", "btt"},
	"application/ttaf+xml":          {"dfxp"},
	"application/ttml+xml":          {"ttml", "ttml2"},
	"application/vnd.apple.mpegurl": {"m3u8"},
	"application/vnd.yt-ump":        {"ump"},
	"application/zip":               {"zip"},
	"application/x-7z-compressed":   {"7z"},
	"application/x-aim":             {"plj"},
	"application/x-bittorrent":      {"torrent", "btt"},
	"application/x-chrome-extension": {"crx"},
	"application/x-compress":        {"z"},
	"application/x-compress-7z":     {"7z"},
	"application/x-compressed":      {"arj"},
	"application/x-dosexec":         {"exe"},
	"application/x-gtar":            {"tar"},
	"application/x-gzip":            {"gz"},
	"application/x-gzip-compressed": {"gz"},
	"application/x-javascript":      {"js"},
	"application/x-mpegurl":         {"m3u8"},
	"application/x-msdos-program":   {"exe", "dll"},
	"application/x-msi":             {"msi"},
	"application/x-msp":             {"msp"},
	"application/x-ole-storage":     {"msi", "msp"},
	"application/x-rar":             {"rar"},
	"application/x-rar-compressed":  {"rar"},
	"application/x-sdlc":            {"exe", "sdlc"},
	"application/x-shockwave-flash": {"swf"},
	"application/x-silverlight-app": {"xap"},
	"application/x-subrip":          {"srt"},
	"application/x-tar":             {"tar"},
	"application/x-zip":             {"zip"},
	"application/x-zip-compressed":  {"zip"},
	"video/3gpp":                    {"3gp", "3gpp"},
	"video/3gpp2":                   {"3gp", "3gpp"},
	"video/avi":                     {"avi"},
	"video/f4f":                     {"f4f"},
	"video/f4m":                     {"f4m"},
	"video/flv":                     {"flv"},
	"video/mp2t":                    {"ts", "tsv", "m3u8"},
	"video/mp4":                     {"mp4", "m4v", "m4s"},
	"video/mpeg":                    {"mpg", "mpeg"},
	"video/mpegurl":                 {"m3u", "m3u8"},
	"video/mpg4":                    {"mp4", "m4v"},
	"video/msvideo":                 {"avi"},
	"video/quicktime":               {"mov", "qt"},
	"video/vnd.mpeg.dash.mpd":       {"mpd"},
	"video/webm":                    {"webm"},
	"video/x-flash-video":           {"flv"},
	"video/x-flv":                   {"flv"},
	"video/x-mp4":                   {"mp4", "m4v"},
	"video/x-mpegurl":               {"m3u", "m3u8"},
	"video/x-mpg4":                  {"mp4", "m4v"},
	"video/x-ms-asf":                {"asf"},
	"video/x-ms-wmv":                {"wmv"},
	"video/x-msvideo":               {"avi"},
	"audio/3gpp":                    {"3gp", "3gpp"},
	"audio/3gpp2":                   {"3gp", "3gpp"},
	"audio/mp2t":                    {"ts", "tsa", "m3u8"},
	"audio/mp3":                     {"mp3"},
	"audio/mp4":                     {"m4a", "mp4", "m4s"},
	"audio/mp4a-latm":               {"m4a", "mp4"},
	"audio/mpeg":                    {"mp3"},
	"audio/mpeg4-generic":           {"m4a", "mp4"},
	"audio/mpegurl":                 {"m3u", "m3u8"},
	"audio/webm":                    {"webm"},
	"audio/wav":                     {"wav"},
	"audio/x-mpeg":                  {"mp3"},
	"audio/x-mpegurl":               {"m3u", "m3u8"},
	"audio/x-ms-wma":                {"wma"},
	"audio/x-wav":                   {"wav"},
	"ilm/tm":                        {"mp3"},
	"image/avif":                    {"avif"},
	"image/gif":                     {"gif", "gfa"},
	"image/icon":                    {"ico", "cur"},
	"image/jpg":                     {"jpg", "jpeg"},
	"image/jpeg":                    {"jpg", "jpeg"},
	"image/png":                     {"png", "apng"},
	"image/tiff":                    {"tif", "tiff"},
	"image/vnd.microsoft.icon":      {"ico", "cur"},
	"image/webp":                    {"webp"},
	"image/x-icon":                  {"ico", "cur"},
	"flv-application/octet-stream":  {"flv"},
}

// Normalize 去掉参数部分并转为小写，如 "Video/MP4; codecs=avc1" -> "video/mp4"
func Normalize(contentType string) string {
	ct := contentType
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// Extensions 返回内容类型对应的扩展名列表副本
func Extensions(contentType string) ([]string, bool) {
	exts, ok := table[Normalize(contentType)]
	if !ok {
		return nil, false
	}
	out := make([]string, len(exts))
	copy(out, exts)
	return out, true
}

// DefaultExtension 返回内容类型的默认扩展名
func DefaultExtension(contentType string) (string, bool) {
	exts, ok := table[Normalize(contentType)]
	if !ok || len(exts) == 0 {
		return "", false
	}
	return exts[0], true
}

// Accepts 判断扩展名是否属于该内容类型
func Accepts(contentType, ext string) bool {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	if ext == "" {
		return false
	}
	for _, e := range table[Normalize(contentType)] {
		if e == ext {
			return true
		}
	}
	return false
}

// Subtype 返回内容类型的子类型，如 "video/mp4" -> "mp4"
func Subtype(contentType string) string {
	ct := Normalize(contentType)
	if i := strings.IndexByte(ct, '/'); i >= 0 {
		return ct[i+1:]
	}
	return ""
}

// Len 映射表条目数量
func Len() int { return len(table) }
