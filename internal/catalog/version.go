package catalog

import (
	"errors"
	"path/filepath"
	"regexp"

	"github.com/shogo82148/androidbinary/apk"
)

// ErrUnknownVersion 清单和文件名中都没有版本号
var ErrUnknownVersion = errors.New("cannot detect app version")

var fileVersion = regexp.MustCompile(`\d+\.\d+(?:\.\d+)?`)

// AppInfo 从 APK 中读到的应用信息
type AppInfo struct {
	Package string
	Version string
	// Source 版本号来源：manifest 或 filename
	Source string
}

// DetectVersion 读取清单中的 versionName，失败时从文件名中提取
func DetectVersion(apkPath string) (*AppInfo, error) {
	if info, err := fromManifest(apkPath); err == nil && info.Version != "" {
		return info, nil
	}
	if v := VersionFromFileName(apkPath); v != "" {
		return &AppInfo{Version: v, Source: "filename"}, nil
	}
	return nil, ErrUnknownVersion
}

func fromManifest(apkPath string) (*AppInfo, error) {
	pkg, err := apk.OpenFile(apkPath)
	if err != nil {
		return nil, err
	}
	defer pkg.Close()

	version, err := pkg.Manifest().VersionName.String()
	if err != nil {
		return nil, err
	}
	return &AppInfo{Package: pkg.PackageName(), Version: version, Source: "manifest"}, nil
}

// VersionFromFileName 从 "game-3.21.4-arm64.apk" 这类文件名中提取版本号
func VersionFromFileName(apkPath string) string {
	return fileVersion.FindString(filepath.Base(apkPath))
}
