package provision

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	libvirt "libvirt.org/go/libvirt"

	"github.com/cochaviz/archbox/internal/logging"
)

// DefaultConnectURI is the libvirt connection used when none is configured.
const DefaultConnectURI = "qemu:///system"

// LibvirtDisk creates the disk image as a raw volume in the directory pool
// whose target is the image's directory, defining that pool when needed.
// The volume is a plain file, so QEMU can open it directly.
type LibvirtDisk struct {
	ConnectURI string
	Logger     *slog.Logger
}

func (d LibvirtDisk) connectURI() string {
	if d.ConnectURI != "" {
		return d.ConnectURI
	}
	return DefaultConnectURI
}

func (d LibvirtDisk) Prepare(ctx context.Context, path string, size uint64) (bool, error) {
	logger := logging.Ensure(d.Logger).With("connect_uri", d.connectURI())
	if err := ctx.Err(); err != nil {
		return false, err
	}

	dir, name := filepath.Dir(path), filepath.Base(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("create disk directory: %w", err)
	}

	conn, err := libvirt.NewConnect(d.connectURI())
	if err != nil {
		return false, fmt.Errorf("open libvirt connection %s: %w", d.connectURI(), err)
	}
	defer conn.Close()

	pool, err := ensureDirPool(conn, dir, logger)
	if err != nil {
		return false, err
	}
	defer pool.Free()

	if err := pool.Refresh(0); err != nil {
		logger.Warn("unable to refresh storage pool", "path", dir, "error", err)
	}

	existing, err := pool.LookupStorageVolByName(name)
	if err == nil {
		defer existing.Free()
		logger.Warn("disk volume already exists, skipping creation", "path", path)
		return false, nil
	}
	if !isInLibvirtErrors(err, libvirt.ERR_NO_STORAGE_VOL) {
		return false, fmt.Errorf("look up volume %s: %w", name, err)
	}

	volumeXML, err := rawVolumeXML(name, size)
	if err != nil {
		return false, err
	}
	volume, err := pool.StorageVolCreateXML(volumeXML, 0)
	if err != nil {
		return false, fmt.Errorf("create volume %s: %w", name, err)
	}
	defer volume.Free()

	logger.Info("created disk volume", "path", path, "size", humanize.Bytes(size))
	return true, nil
}

func ensureDirPool(conn *libvirt.Connect, dir string, logger *slog.Logger) (*libvirt.StoragePool, error) {
	pool, err := conn.LookupStoragePoolByTargetPath(dir)
	if err != nil {
		if !isInLibvirtErrors(err, libvirt.ERR_NO_STORAGE_POOL) {
			return nil, fmt.Errorf("look up storage pool for %s: %w", dir, err)
		}

		poolXML, err := dirPoolXML(poolName(dir), dir)
		if err != nil {
			return nil, err
		}
		pool, err = conn.StoragePoolDefineXML(poolXML, 0)
		if err != nil {
			return nil, fmt.Errorf("define storage pool for %s: %w", dir, err)
		}
		logger.Info("defined storage pool", "name", poolName(dir), "path", dir)
	}

	active, err := pool.IsActive()
	if err != nil {
		pool.Free()
		return nil, fmt.Errorf("query storage pool state: %w", err)
	}
	if !active {
		if err := pool.Create(0); err != nil && !isInLibvirtErrors(err, libvirt.ERR_OPERATION_INVALID) {
			pool.Free()
			return nil, fmt.Errorf("start storage pool for %s: %w", dir, err)
		}
	}
	return pool, nil
}

// poolName derives a stable pool name from the directory.
func poolName(dir string) string {
	cleaned := strings.Trim(filepath.Clean(dir), string(filepath.Separator))
	if cleaned == "" {
		return "archbox-root"
	}
	var b strings.Builder
	b.WriteString("archbox-")
	for _, r := range cleaned {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

type poolDocument struct {
	XMLName xml.Name `xml:"pool"`
	Type    string   `xml:"type,attr"`
	Name    string   `xml:"name"`
	Target  struct {
		Path string `xml:"path"`
	} `xml:"target"`
}

type volumeDocument struct {
	XMLName  xml.Name `xml:"volume"`
	Name     string   `xml:"name"`
	Capacity struct {
		Unit  string `xml:"unit,attr"`
		Value uint64 `xml:",chardata"`
	} `xml:"capacity"`
	Allocation struct {
		Unit  string `xml:"unit,attr"`
		Value uint64 `xml:",chardata"`
	} `xml:"allocation"`
	Target struct {
		Format struct {
			Type string `xml:"type,attr"`
		} `xml:"format"`
	} `xml:"target"`
}

func dirPoolXML(name, dir string) (string, error) {
	doc := poolDocument{Type: "dir", Name: name}
	doc.Target.Path = dir
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal storage pool xml: %w", err)
	}
	return string(out), nil
}

// rawVolumeXML describes a sparse raw volume: full capacity, nothing
// allocated up front.
func rawVolumeXML(name string, size uint64) (string, error) {
	doc := volumeDocument{Name: name}
	doc.Capacity.Unit = "bytes"
	doc.Capacity.Value = size
	doc.Allocation.Unit = "bytes"
	doc.Target.Format.Type = "raw"
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal volume xml: %w", err)
	}
	return string(out), nil
}

func isInLibvirtErrors(err error, codes ...libvirt.ErrorNumber) bool {
	if err == nil {
		return false
	}

	var libErr libvirt.Error
	if !errors.As(err, &libErr) {
		return false
	}

	return slices.Contains(codes, libErr.Code)
}
