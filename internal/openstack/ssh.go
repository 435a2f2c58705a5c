package openstack

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/thpham/fleetd/internal/models"
)

// ErrSSH is returned when no candidate address accepts an SSH connection and
// echoes the expected sentinel.
var ErrSSH = fmt.Errorf("unable to establish an ssh connection")

const sshTestString = "fleetd-ssh-probe-ok"
const sshDialTimeout = 30 * time.Second

// GetSSHConnection tries each of the VM's addresses in order, running a
// trivial echo probe, and returns the first working *ssh.Client. The
// caller owns closing the returned client. Fails with ErrSSH if none
// respond or no key file exists for the instance.1.
func (m *Manager) GetSSHConnection(ctx context.Context, vm models.VM) (*ssh.Client, error) {
	keyPath := m.keyFilePath(vm.InstanceID)
	keyBytes, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: no key file for %s: %v", ErrSSH, vm.InstanceID.Name(), err)
	}

	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing key for %s: %v", ErrSSH, vm.InstanceID.Name(), err)
	}

	clientConfig := &ssh.ClientConfig{
		User:            m.systemUser,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // nosec: ephemeral runner VMs have no prior known host key
		Timeout:         sshDialTimeout,
	}

	for _, addr := range vm.Addresses {
		client, err := ssh.Dial("tcp", addr+":22", clientConfig)
		if err != nil {
			m.log.WithError(err).WithField("address", addr).Debug("ssh dial failed, trying next address")
			continue
		}

		if probeOK(client) {
			return client, nil
		}
		_ = client.Close()
	}

	return nil, fmt.Errorf("%w: no address of %s accepted a connection", ErrSSH, vm.InstanceID.Name())
}

func probeOK(client *ssh.Client) bool {
	session, err := client.NewSession()
	if err != nil {
		return false
	}
	defer session.Close()

	out, err := session.Output("echo " + sshTestString)
	if err != nil {
		return false
	}
	return len(out) >= len(sshTestString) && string(out[:len(sshTestString)]) == sshTestString
}
