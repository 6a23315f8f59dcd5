package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

var botFiles = map[string]string{
	"mybot/package.json": `{"name":"mybot","scripts":{"start":"node index.js"},"dependencies":{"whatsapp-web.js":"^1.23.0"}}`,
	"mybot/index.js":     `console.log("App running")`,
	"mybot/lib/util.js":  `module.exports = {}`,
}

func writeZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		if _, err := io.WriteString(w, body); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func writeTar(t *testing.T, w io.Writer, files map[string]string) {
	t.Helper()
	tw := tar.NewWriter(w)
	for name, body := range files {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}); err != nil {
			t.Fatalf("tar header: %v", err)
		}
		if _, err := io.WriteString(tw, body); err != nil {
			t.Fatalf("tar write: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
}

func compressTar(t *testing.T, format Format, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	switch format {
	case FormatTar:
		writeTar(t, &buf, files)
	case FormatTarGz:
		gz := gzip.NewWriter(&buf)
		writeTar(t, gz, files)
		if err := gz.Close(); err != nil {
			t.Fatalf("gzip close: %v", err)
		}
	case FormatTarZst:
		enc, err := zstd.NewWriter(&buf)
		if err != nil {
			t.Fatalf("zstd writer: %v", err)
		}
		writeTar(t, enc, files)
		if err := enc.Close(); err != nil {
			t.Fatalf("zstd close: %v", err)
		}
	case FormatTarLZ4:
		lw := lz4.NewWriter(&buf)
		writeTar(t, lw, files)
		if err := lw.Close(); err != nil {
			t.Fatalf("lz4 close: %v", err)
		}
	}
	return buf.Bytes()
}

func writeArchive(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write archive: %v", err)
	}
	return path
}

func TestUnpackFormats(t *testing.T) {
	cases := []struct {
		name   string
		format Format
		data   func(t *testing.T) []byte
	}{
		{"bot.zip", FormatZip, func(t *testing.T) []byte { return writeZip(t, botFiles) }},
		{"bot.tar", FormatTar, func(t *testing.T) []byte { return compressTar(t, FormatTar, botFiles) }},
		{"bot.tar.gz", FormatTarGz, func(t *testing.T) []byte { return compressTar(t, FormatTarGz, botFiles) }},
		{"bot.tar.zst", FormatTarZst, func(t *testing.T) []byte { return compressTar(t, FormatTarZst, botFiles) }},
		{"bot.tar.lz4", FormatTarLZ4, func(t *testing.T) []byte { return compressTar(t, FormatTarLZ4, botFiles) }},
	}
	for _, tc := range cases {
		t.Run(string(tc.format), func(t *testing.T) {
			src := writeArchive(t, tc.name, tc.data(t))
			dest := t.TempDir()

			res, err := Extractor{}.Unpack(context.Background(), src, dest)
			if err != nil {
				t.Fatalf("unpack: %v", err)
			}
			if res.Format != tc.format {
				t.Fatalf("expected format %s, got %s", tc.format, res.Format)
			}
			if res.Root != filepath.Join(dest, "mybot") {
				t.Fatalf("expected root to descend into mybot, got %s", res.Root)
			}
			if len(res.Files) != len(botFiles) {
				t.Fatalf("expected %d files, got %v", len(botFiles), res.Files)
			}
			body, err := os.ReadFile(filepath.Join(res.Root, "index.js"))
			if err != nil || !strings.Contains(string(body), "App running") {
				t.Fatalf("index.js not extracted: %v", err)
			}
		})
	}
}

func TestUnpackRejectsTraversal(t *testing.T) {
	src := writeArchive(t, "evil.tar", compressTar(t, FormatTar, map[string]string{"../outside.txt": "x"}))
	_, err := Extractor{}.Unpack(context.Background(), src, t.TempDir())
	if !errors.Is(err, ErrUnsafePath) {
		t.Fatalf("expected ErrUnsafePath, got %v", err)
	}
}

func TestUnpackEnforcesLimit(t *testing.T) {
	big := map[string]string{"blob.bin": strings.Repeat("a", 4096)}
	src := writeArchive(t, "big.tar.gz", compressTar(t, FormatTarGz, big))
	_, err := Extractor{MaxBytes: 1024}.Unpack(context.Background(), src, t.TempDir())
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestUnpackRejectsGarbage(t *testing.T) {
	src := writeArchive(t, "notes.txt", []byte("hello"))
	_, err := Extractor{}.Unpack(context.Background(), src, t.TempDir())
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestDigestIsStable(t *testing.T) {
	path := writeArchive(t, "bot.zip", writeZip(t, botFiles))
	a, size, err := Digest(path)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	b, _, _ := Digest(path)
	if a != b || !strings.HasPrefix(a, "blake3:") {
		t.Fatalf("unexpected digest %q vs %q", a, b)
	}
	info, _ := os.Stat(path)
	if size != info.Size() {
		t.Fatalf("expected size %d, got %d", info.Size(), size)
	}
}

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, body := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	return root
}

var installs = InstallCommands{Node: "npm install", Python: "pip install -r requirements.txt"}

func TestInspectNode(t *testing.T) {
	root := writeTree(t, map[string]string{
		"package.json":            `{"name":"bot","main":"src/bot.js","dependencies":{"discord.js":"^14.0.0"}}`,
		"src/bot.js":              `console.log("hi")`,
		"node_modules/x/index.js": `ignored`,
		".env":                    "DISCORD_TOKEN=abc\nDATABASE_URL=postgres://db\n",
	})
	plan, err := Inspect(root, installs)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	d := plan.Details
	if d.Runtime != RuntimeNode || d.ManifestName != "package.json" {
		t.Fatalf("unexpected runtime/manifest %q %q", d.Runtime, d.ManifestName)
	}
	if d.StartCommand != "node src/bot.js" {
		t.Fatalf("unexpected start command %q", d.StartCommand)
	}
	if d.InstallCommand != "npm install" || d.Dependencies["discord.js"] != "^14.0.0" {
		t.Fatalf("dependencies not detected: %+v", d)
	}
	for _, f := range d.Files {
		if strings.HasPrefix(f, "node_modules/") {
			t.Fatalf("node_modules should not be listed: %v", d.Files)
		}
	}
	if plan.Env["DISCORD_TOKEN"] != "abc" {
		t.Fatalf("expected .env to be parsed, got %v", plan.Env)
	}
}

func TestInspectPythonWithRunConfig(t *testing.T) {
	root := writeTree(t, map[string]string{
		"requirements.txt": "python-telegram-bot==20.7\n# comment\nrequests>=2.0\n",
		"bot.py":           "print('App running')",
		"bothost.yaml":     "start: python3 -u bot.py --polling\nenv:\n  MODE: prod\n",
	})
	plan, err := Inspect(root, installs)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	d := plan.Details
	if d.Runtime != RuntimePython {
		t.Fatalf("expected python runtime, got %q", d.Runtime)
	}
	if d.Dependencies["python-telegram-bot"] != "==20.7" || d.Dependencies["requests"] != ">=2.0" {
		t.Fatalf("unexpected dependencies %v", d.Dependencies)
	}
	if d.StartCommand != "python3 -u bot.py --polling" {
		t.Fatalf("run config did not override start: %q", d.StartCommand)
	}
	if plan.Env["MODE"] != "prod" {
		t.Fatalf("run config env missing: %v", plan.Env)
	}
}

func TestInspectWithoutEntrypoint(t *testing.T) {
	root := writeTree(t, map[string]string{"README.md": "nothing to run"})
	if _, err := Inspect(root, installs); !errors.Is(err, ErrNoEntrypoint) {
		t.Fatalf("expected ErrNoEntrypoint, got %v", err)
	}
}
