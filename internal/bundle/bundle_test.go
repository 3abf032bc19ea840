package bundle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
)

func writeBundle(t *testing.T, root string, files ...string) {
	t.Helper()
	for _, f := range files {
		path := filepath.Join(root, filepath.FromSlash(f))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", f, err)
		}
	}
}

func TestOpenCompleteBundle(t *testing.T) {
	root := t.TempDir()
	writeBundle(t, root, DefaultRequiredFiles...)
	b, err := Open(root, DefaultRequiredFiles)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if b.Manifest != nil {
		t.Fatal("expected no manifest")
	}
}

func TestOpenMissingWordsFile(t *testing.T) {
	root := t.TempDir()
	writeBundle(t, root, "am/final.mdl", "graph/phones.txt")
	_, err := Open(root, DefaultRequiredFiles)
	if !errors.Is(err, ErrProvision) {
		t.Fatalf("expected ErrProvision, got %v", err)
	}
}

func TestOpenMergesManifestRequirements(t *testing.T) {
	root := t.TempDir()
	writeBundle(t, root, DefaultRequiredFiles...)
	manifest := []byte("name: small-en\nversion: \"0.15\"\nsample_rate: 16000\nrequired_files:\n  - conf/mfcc.conf\n")
	if err := os.WriteFile(filepath.Join(root, ManifestName), manifest, 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if _, err := Open(root, DefaultRequiredFiles); !errors.Is(err, ErrProvision) {
		t.Fatalf("expected missing manifest file to fail, got %v", err)
	}
	writeBundle(t, root, "conf/mfcc.conf")
	b, err := Open(root, DefaultRequiredFiles)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(b.Required) != 4 || b.Manifest.Name != "small-en" {
		t.Fatalf("unexpected bundle %+v", b)
	}
}

func TestManifestRejectsSampleRate(t *testing.T) {
	if err := ValidateManifest(Manifest{Name: "m", Version: "1", SampleRate: 8000}); err == nil {
		t.Fatal("expected sample rate rejection")
	}
}

func TestPathRejectsEscape(t *testing.T) {
	b := Bundle{Root: t.TempDir()}
	if _, err := b.Path("../etc/passwd"); !errors.Is(err, ErrProvision) {
		t.Fatalf("expected escape rejection, got %v", err)
	}
}

func TestCopyProvisionerMaterializesOnce(t *testing.T) {
	src := fstest.MapFS{
		"am/final.mdl":     {Data: []byte("model")},
		"graph/phones.txt": {Data: []byte("p")},
		"graph/words.txt":  {Data: []byte("w")},
	}
	data := t.TempDir()
	p := CopyProvisioner{Source: src, DataDir: data, DirName: "vosk_model"}
	root, err := p.Provision(context.Background())
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if _, err := Open(root, DefaultRequiredFiles); err != nil {
		t.Fatalf("open provisioned bundle: %v", err)
	}

	// second call must not overwrite what is on disk
	marker := filepath.Join(root, "graph", "words.txt")
	if err := os.WriteFile(marker, []byte("local"), 0o644); err != nil {
		t.Fatalf("write marker: %v", err)
	}
	if _, err := p.Provision(context.Background()); err != nil {
		t.Fatalf("second provision: %v", err)
	}
	got, _ := os.ReadFile(marker)
	if string(got) != "local" {
		t.Fatalf("expected existing bundle untouched, got %q", got)
	}
}

func TestCopyProvisionerWithoutSource(t *testing.T) {
	p := CopyProvisioner{DataDir: t.TempDir(), DirName: "vosk_model"}
	if _, err := p.Provision(context.Background()); !errors.Is(err, ErrProvision) {
		t.Fatalf("expected ErrProvision, got %v", err)
	}
}
