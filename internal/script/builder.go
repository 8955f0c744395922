package script

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/cochaviz/archbox/internal/install"
)

// Prompts of the live medium, fdisk, the chroot shell and passwd.
const (
	BootMenuPrompt    = "*Arch Linux install medium*"
	BootEditorPrompt  = "*archisobasedir=*"
	LoginPrompt       = "*archiso login: "
	LivePrompt        = "*@archiso*~*#* "
	ChrootPrompt      = "*@archiso /]# "
	FdiskPrompt       = "*Command (m for help): "
	PartitionType     = "*Select (default p): "
	PartitionNumber   = "*Partition number*: "
	FirstSector       = "*First sector*: "
	LastSector        = "*Last sector*: "
	NewPasswordPrompt = "*New password: "
	RetypePrompt      = "*Retype new password: "
)

const (
	targetDisk      = "/dev/sda"
	targetPartition = "/dev/sda1"
	serialConsole   = "console=ttyS0,115200"
	pacmanConf      = "/etc/pacman.conf"
	pacmanConfSaved = "/etc/pacman.conf.archbox"
)

// Commands whose presence the keyring branch decides.
const (
	SignatureDisableCommand = `sed -i 's/^SigLevel.*/SigLevel = Never/' ` + pacmanConf
	KeyringInitCommand      = "pacman-key --init"
	KeyringPopulateCommand  = "pacman-key --populate archlinux"
	KeyringRefreshCommand   = "pacman-key --refresh-keys"
)

// MissingFieldError reports a context field a step needs but that is empty.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("render step script: %s is required", e.Field)
}

// UnsafeValueError reports a value that can not be typed into the console
// without changing the meaning of the surrounding input.
type UnsafeValueError struct {
	Field  string
	Reason string
}

func (e *UnsafeValueError) Error() string {
	return fmt.Sprintf("render step script: %s %s", e.Field, e.Reason)
}

var (
	usernamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_-]{0,31}$`)
	hostnamePattern = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?$`)
	timezonePattern = regexp.MustCompile(`^[A-Za-z0-9_+-]+(/[A-Za-z0-9_+-]+)*$`)
	localePattern   = regexp.MustCompile(`^[A-Za-z_]+\.[A-Za-z0-9-]+(@[A-Za-z]+)?$`)
	keyNamePattern  = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
)

// Render produces the complete, flattened install script for ctx. It has no
// side effects; rendering the same context twice yields equal scripts.
func Render(ctx install.Context) ([]Step, error) {
	b := &builder{ctx: ctx}

	b.boot()
	b.partition()
	b.bootstrap()
	b.configureSystem()
	b.Branch(ctx.DisableKeyringChecks, b.disableSignatureChecks, b.bootstrapKeyring)
	b.installPackages()
	b.installBootloader()
	b.configureAccounts()
	b.installSSHKeys()
	b.postInstall()
	b.finish()

	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}
	return b.steps, nil
}

type builder struct {
	ctx   install.Context
	steps []Step
	errs  []error
}

// Branch renders exactly one of the two arms. Conditions are evaluated once,
// here, against the context.
func (b *builder) Branch(condition bool, then, otherwise func()) {
	if condition {
		then()
		return
	}
	otherwise()
}

func (b *builder) add(steps ...Step) {
	b.steps = append(b.steps, steps...)
}

// live runs a command on the installation medium's shell.
func (b *builder) live(command string) {
	b.add(Expect(LivePrompt), Send(command))
}

// chroot runs a command in the arch-chroot shell.
func (b *builder) chroot(command string) {
	b.add(Expect(ChrootPrompt), Send(command))
}

func (b *builder) chrootSecret(command string) {
	b.add(Expect(ChrootPrompt), Send(command).AsSecret())
}

func (b *builder) require(field, value string) string {
	if strings.TrimSpace(value) == "" {
		b.errs = append(b.errs, &MissingFieldError{Field: field})
	}
	return value
}

func (b *builder) match(field, value string, pattern *regexp.Regexp) string {
	if b.require(field, value) != "" && !pattern.MatchString(value) {
		b.errs = append(b.errs, &UnsafeValueError{Field: field, Reason: fmt.Sprintf("%q is not a valid value", value)})
	}
	return value
}

// singleLine guards values typed at prompts that end input at a newline.
func (b *builder) singleLine(field, value string) string {
	if b.require(field, value) != "" && strings.ContainsAny(value, "\r\n") {
		b.errs = append(b.errs, &UnsafeValueError{Field: field, Reason: "must not contain line breaks"})
	}
	return value
}

func (b *builder) boot() {
	b.add(
		Expect(BootMenuPrompt),
		SendRaw("\t"),
		Expect(BootEditorPrompt),
		Send(" "+serialConsole),
		Expect(LoginPrompt),
		Send("root"),
	)
}

func (b *builder) partition() {
	b.live("fdisk " + targetDisk)
	b.add(
		Expect(FdiskPrompt), Send("n"),
		Expect(PartitionType), Send("p"),
		Expect(PartitionNumber), Send(""),
		Expect(FirstSector), Send(""),
		Expect(LastSector), Send(""),
		Expect(FdiskPrompt), Send("a"),
		Expect(FdiskPrompt), Send("w"),
	)
	b.live("mkfs.ext4 -F " + targetPartition)
	b.live("mount " + targetPartition + " /mnt")
}

func (b *builder) bootstrap() {
	b.live("pacstrap /mnt base linux linux-firmware")
	b.live("genfstab -U /mnt >> /mnt/etc/fstab")
	b.live("arch-chroot /mnt")
}

func (b *builder) configureSystem() {
	timezone := b.match("timezone", b.ctx.Timezone, timezonePattern)
	locale := b.match("locale", b.ctx.Locale, localePattern)
	hostname := b.match("hostname", b.ctx.Hostname, hostnamePattern)

	b.chroot("ln -sf " + Quote("/usr/share/zoneinfo/"+timezone) + " /etc/localtime")
	b.chroot("hwclock --systohc")

	charset := locale
	if idx := strings.IndexByte(locale, '.'); idx >= 0 {
		charset = strings.SplitN(locale[idx+1:], "@", 2)[0]
	}
	b.chroot("printf '%s\\n' " + Quote(locale+" "+charset) + " >> /etc/locale.gen")
	b.chroot("locale-gen")
	b.chroot("printf 'LANG=%s\\n' " + Quote(locale) + " > /etc/locale.conf")

	b.chroot("printf '%s\\n' " + Quote(hostname) + " > /etc/hostname")
	b.chroot("printf '%s\\n' " + strings.Join([]string{
		Quote("127.0.0.1 localhost"),
		Quote("::1 localhost"),
		Quote("127.0.1.1 " + hostname + ".localdomain " + hostname),
	}, " ") + " >> /etc/hosts")
	b.chroot("mkinitcpio -P")

	b.chroot("cp -a " + pacmanConf + " " + pacmanConfSaved)
}

func (b *builder) disableSignatureChecks() {
	b.chroot(SignatureDisableCommand)
}

func (b *builder) bootstrapKeyring() {
	b.chroot(KeyringInitCommand)
	b.chroot(KeyringPopulateCommand)
	b.chroot(KeyringRefreshCommand)
}

func (b *builder) installPackages() {
	list := b.require("package list", b.ctx.PackageList)
	b.chroot(Heredoc("pacman -S --needed --noconfirm -", list))
}

func (b *builder) installBootloader() {
	target := b.ctx.Architecture.GrubTarget()
	if target == "" {
		b.errs = append(b.errs, &UnsafeValueError{Field: "architecture", Reason: fmt.Sprintf("%q has no supported bootloader target", b.ctx.Architecture)})
	}

	b.chroot("grub-install --target=" + target + " " + targetDisk)
	b.chroot(`sed -i 's|^GRUB_CMDLINE_LINUX_DEFAULT=.*|GRUB_CMDLINE_LINUX_DEFAULT="` + serialConsole + `"|' /etc/default/grub`)
	b.chroot(`sed -i 's|^GRUB_CMDLINE_LINUX=.*|GRUB_CMDLINE_LINUX="root=` + targetPartition + `"|' /etc/default/grub`)
	b.chroot("grub-mkconfig -o /boot/grub/grub.cfg")
}

func (b *builder) configureAccounts() {
	rootPassword := b.singleLine("root password", b.ctx.RootPassword)
	b.chroot("passwd")
	b.add(
		Expect(NewPasswordPrompt), Send(rootPassword).AsSecret(),
		Expect(RetypePrompt), Send(rootPassword).AsSecret(),
	)

	username := b.match("username", b.ctx.Username, usernamePattern)
	userPassword := b.singleLine("user password", b.ctx.UserPassword)
	b.chroot("useradd -m -G wheel " + Quote(username))
	b.chrootSecret("printf '%s\\n' " + Quote(username+":"+userPassword) + " | chpasswd")

	b.chroot("systemctl enable dhcpcd")
	b.chroot("systemctl enable sshd")
	b.chroot("printf '%s\\n' 'PubkeyAuthentication yes' 'PermitRootLogin prohibit-password' >> /etc/ssh/sshd_config")
}

func (b *builder) installSSHKeys() {
	username := b.ctx.Username
	keyName := b.match("ssh key name", b.ctx.SSHKeyName, keyNamePattern)
	public := b.singleLine("ssh public key", b.ctx.SSHPublicKey)
	private := b.require("ssh private key", b.ctx.SSHPrivateKey)

	sshDir := "/home/" + username + "/.ssh"
	privatePath := sshDir + "/" + keyName

	b.chroot("mkdir -p " + Quote(sshDir))
	b.chroot("printf '%s\\n' " + Quote(public) + " >> " + Quote(sshDir+"/authorized_keys"))
	b.chrootSecret(Heredoc("cat > "+Quote(privatePath), private))
	b.chroot("chmod 600 " + Quote(privatePath))
	b.chroot("printf '%s\\n' " + Quote(public) + " > " + Quote(privatePath+".pub"))
	b.chroot("chown -R " + Quote(username+":"+username) + " " + Quote(sshDir))
}

func (b *builder) postInstall() {
	if strings.TrimSpace(b.ctx.PostInstallScript) == "" {
		return
	}
	b.chroot(Heredoc("bash", b.ctx.PostInstallScript))
}

func (b *builder) finish() {
	b.chroot("mv " + pacmanConfSaved + " " + pacmanConf)
	b.chroot("yes | pacman -Scc")
	b.chroot("exit")
	b.live("umount -R /mnt")
	b.live("poweroff")
}
