package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultExclude 是生成清单时默认忽略的文件名（按 basename 匹配）。
var DefaultExclude = []string{"assets_list.json", "service-worker.js"}

// ErrEmptyBuild 表示构建目录中没有任何文件。
var ErrEmptyBuild = errors.New("no files found in build directory")

// BuildOptions 控制清单生成。
type BuildOptions struct {
	// AppVersion 为空时使用 UTC 构建时间。
	AppVersion string
	// Exclude 为 nil 时使用 DefaultExclude。
	Exclude []string
	// Extra 追加在目录文件之后，通常是跨域 CDN 资源。
	Extra []string
}

// ExtraAssets 对应额外资源文件：{files: [...]}，YAML 与 JSON 均可。
type ExtraAssets struct {
	Files []string `yaml:"files" json:"files"`
}

// Build 遍历构建目录，列出全部文件为 /relative/path，排序后追加额外资源。
func Build(dir string, opts BuildOptions) (*Manifest, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("stat build dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	exclude := opts.Exclude
	if exclude == nil {
		exclude = DefaultExclude
	}
	skip := make(map[string]struct{}, len(exclude))
	for _, name := range exclude {
		skip[name] = struct{}{}
	}

	var files []string
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if _, excluded := skip[d.Name()]; excluded {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		files = append(files, path.Join("/", filepath.ToSlash(rel)))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk build dir: %w", err)
	}
	if len(files) == 0 {
		return nil, ErrEmptyBuild
	}
	sort.Strings(files)

	version := opts.AppVersion
	if version == "" {
		version = time.Now().UTC().Format(time.RFC3339)
	}

	files = append(files, opts.Extra...)
	return &Manifest{Files: files, AppVersion: version}, nil
}

// LoadExtraAssets 读取额外资源文件；JSON 是 YAML 的子集，统一由 yaml.v3 解析。
func LoadExtraAssets(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read extra assets: %w", err)
	}
	var extra ExtraAssets
	if err := yaml.Unmarshal(raw, &extra); err != nil {
		return nil, fmt.Errorf("decode extra assets: %w", err)
	}
	return extra.Files, nil
}

// Write 以缩进 JSON 写出清单，与源站发布的 assets_list.json 格式一致。
func Write(m *Manifest, path string) error {
	encoded, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	encoded = append(encoded, '\n')
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	return os.WriteFile(path, encoded, 0o644)
}
