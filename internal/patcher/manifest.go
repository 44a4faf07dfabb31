package patcher

import (
	"bytes"
	"context"
	"fmt"
)

// ManifestEntry 二进制清单在 APK 中的条目名
const ManifestEntry = "AndroidManifest.xml"

// pairip 把自己的 Application 子类写进清单，启动时先做完整性校验
// 替换为系统 Application 后由应用自身的逻辑接管；替换前后长度必须相同，不足部分补零
var pairipReplacements = []struct{ old, new []byte }{
	{[]byte("com.pairip.application.Application"), []byte("android.app.Application")},
	{utf16le("com.pairip"), utf16le("android.ap")},
}

func utf16le(s string) []byte {
	out := make([]byte, 0, len(s)*2)
	for i := 0; i < len(s); i++ {
		out = append(out, s[i], 0)
	}
	return out
}

// BypassPairip 在二进制清单中把第一处 pairip Application 声明替换为 android.app.Application
// 原地修改，返回是否发生替换
func BypassPairip(manifest []byte) bool {
	for _, r := range pairipReplacements {
		i := bytes.Index(manifest, r.old)
		if i < 0 {
			continue
		}
		repl := make([]byte, len(r.old))
		copy(repl, r.new)
		copy(manifest[i:], repl)
		return true
	}
	return false
}

// patchManifest 解包后执行，清单不存在或没有 pairip 声明时只提示
func (j *job) patchManifest(ctx context.Context) error {
	if !j.extracted.Has(ManifestEntry) {
		j.sink.OnProgress(j.nextState, fmt.Sprintf("⚠️  %s not found, pairip bypass skipped", ManifestEntry))
		return nil
	}
	buf, err := j.buffer(j.nextState, ManifestEntry)
	if err != nil {
		return err
	}
	if !BypassPairip(buf) {
		j.log.Warn("⚠️  pairip Application not found in manifest")
		j.sink.OnProgress(j.nextState, "⚠️  pairip Application class not found in manifest (may already be patched)")
		return nil
	}
	j.changed[ManifestEntry] = true
	j.log.Info("✅ pairip Application replaced in manifest")
	j.sink.OnProgress(j.nextState, "✅ Replaced pairip Application class")
	return nil
}
