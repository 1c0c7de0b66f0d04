// Package core provides the core types used throughout the builder VM controller
package core

// KeyAlgorithm is the only key algorithm the controller generates. The
// on-disk layout encodes it in the file names, so changing it invalidates
// every existing keys directory.
const KeyAlgorithm = "ed25519"

// Keypair is a host-identity SSH keypair on the host filesystem. The two
// halves exist together or not at all; a partially present pair is corrupt
// and is regenerated wholesale.
type Keypair struct {
	PrivateKeyPath string `json:"private_key_path"`
	PublicKeyPath  string `json:"public_key_path"`
	Algorithm      string `json:"algorithm"`
	Comment        string `json:"comment"`
}

// InstalledCredential describes the system-location copy of the keypair.
// It is written only through the privileged installer, never by the
// provisioner directly.
type InstalledCredential struct {
	PrivateKeyPath string `json:"private_key_path"`
	PublicKeyPath  string `json:"public_key_path"`
	OwningGroup    string `json:"owning_group"`
}

// PortForward maps a host-local port to a guest port.
type PortForward struct {
	Protocol  string `json:"protocol"`
	GuestPort int    `json:"guest_port"`
	HostPort  int    `json:"host_port"`
}

// SharedDirectory exposes a host directory inside the guest.
type SharedDirectory struct {
	HostSourcePath  string `json:"host_source_path"`
	GuestTargetPath string `json:"guest_target_path"`
	Tag             string `json:"tag"`
	ReadOnly        bool   `json:"read_only"`
}

// StoreIsolationMode governs how the guest sees the build-artifact store.
type StoreIsolationMode string

const (
	// StoreSnapshotted gives the guest a private copy-on-write snapshot of
	// the host store. Lock files in the store are then invisible across the
	// host/guest boundary, which is required for correctness: a lock taken
	// on the host and observed by the guest (or vice versa) deadlocks the
	// delegated build.
	StoreSnapshotted StoreIsolationMode = "snapshotted-image"
	// StorePassthrough shares the host store directory live into the guest.
	StorePassthrough StoreIsolationMode = "passthrough"
)

// Valid reports whether the mode is one of the known isolation modes.
func (m StoreIsolationMode) Valid() bool {
	return m == StoreSnapshotted || m == StorePassthrough
}

// ImmutablePathRef is a content-addressed reference to a registered
// directory. The path is derived from the directory contents, so it stays
// valid for the whole VM lifetime regardless of what happens to the
// original working directory.
type ImmutablePathRef struct {
	Path   string `json:"path"`
	Digest string `json:"digest"`
}

// VMConfig is the immutable resource envelope and network exposure of the
// single VM instance launched per invocation.
type VMConfig struct {
	DiskSizeMiB      int                `json:"disk_size_mib"`
	MemorySizeMiB    int                `json:"memory_size_mib"`
	GCMinFreeBytes   int64              `json:"gc_min_free_bytes"`
	GCMaxFreeBytes   int64              `json:"gc_max_free_bytes"`
	HostPort         int                `json:"host_port"`
	WorkingDirectory string             `json:"working_directory"`
	KeysMountTarget  string             `json:"keys_mount_target"`
	StoreMode        StoreIsolationMode `json:"store_mode"`
	// GuestImage is the bootable guest system image. The guest root is
	// always throwaway; only the store disk is durable.
	GuestImage string `json:"guest_image"`
	// HostStoreImage is the base image the snapshotted store overlay is
	// backed by. Empty means the overlay starts from a blank store.
	HostStoreImage string `json:"host_store_image,omitempty"`
	// HostStorePath is the host store directory shared in passthrough mode.
	HostStorePath string `json:"host_store_path,omitempty"`
	// CertFile is the host CA bundle passed through to the guest. Empty
	// means resolve from the environment at launch time.
	CertFile string `json:"cert_file,omitempty"`
	// Engine overrides the virtualization engine binary.
	Engine string `json:"engine,omitempty"`
}
