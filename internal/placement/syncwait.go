package placement

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/sdfs-io/sdfs/pkg/sdfserr"
)

var infoFieldPattern = func(field string) *regexp.Regexp {
	return regexp.MustCompile(field + `:([^\r\n]+)`)
}

var (
	roleField            = infoFieldPattern("role")
	masterHostField      = infoFieldPattern("master_host")
	masterPortField      = infoFieldPattern("master_port")
	slaveReplOffsetField = infoFieldPattern("slave_repl_offset")
	masterReplOffField   = infoFieldPattern("master_repl_offset")
)

func matchField(re *regexp.Regexp, info string) (string, bool) {
	m := re.FindStringSubmatch(info)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// WaitSynced blocks until every address in addrs reports a replication
// offset equal to its master's, polling at 1s intervals. It mirrors
// __md_snapshot_wait_sync/__redis_replica_synced exactly, including the
// "role must be slave" assertion — surfaced here as an Internal error
// rather than a silent no-op, since a non-slave address is an invariant
// violation upstream callers made, not a retryable condition.
func WaitSynced(ctx context.Context, connect Connector, addrs []HostPort) error {
	for _, hp := range addrs {
		if err := waitOneSynced(ctx, connect, hp); err != nil {
			return err
		}
	}
	return nil
}

func waitOneSynced(ctx context.Context, connect Connector, hp HostPort) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		synced, err := isReplicaSynced(ctx, connect, hp)
		if err != nil {
			return err
		}
		if synced {
			return nil
		}
		select {
		case <-ctx.Done():
			return sdfserr.New(sdfserr.Canceled, ctx.Err())
		case <-ticker.C:
		}
	}
}

func isReplicaSynced(ctx context.Context, connect Connector, hp HostPort) (bool, error) {
	cli, err := connect(ctx, hp)
	if err != nil {
		return false, sdfserr.New(sdfserr.IO, err)
	}
	defer cli.Close()

	info, err := cli.Info(ctx, "replication")
	if err != nil {
		return false, sdfserr.New(sdfserr.IO, err)
	}

	role, ok := matchField(roleField, info)
	if !ok {
		return false, sdfserr.New(sdfserr.Internal, fmt.Errorf("syncwait: %s:%d missing role field", hp.Host, hp.Disk))
	}
	if role != "slave" {
		return false, sdfserr.New(sdfserr.Internal, fmt.Errorf("syncwait: %s:%d role %q, want slave", hp.Host, hp.Disk, role))
	}

	masterHost, _ := matchField(masterHostField, info)
	masterPort, _ := matchField(masterPortField, info)
	slaveOffset, ok := matchField(slaveReplOffsetField, info)
	if !ok {
		return false, sdfserr.New(sdfserr.Internal, fmt.Errorf("syncwait: %s:%d missing slave_repl_offset", hp.Host, hp.Disk))
	}

	masterInfo, err := isReplicaSyncedMasterInfo(ctx, connect, masterHost, masterPort)
	if err != nil {
		return false, err
	}
	masterOffset, ok := matchField(masterReplOffField, masterInfo)
	if !ok {
		return false, sdfserr.New(sdfserr.Internal, fmt.Errorf("syncwait: master %s missing master_repl_offset", masterHost))
	}

	return masterOffset == slaveOffset, nil
}

func isReplicaSyncedMasterInfo(ctx context.Context, connect Connector, masterHost, masterPort string) (string, error) {
	disk := 0
	fmt.Sscanf(masterPort, "%d", &disk)
	cli, err := connect(ctx, HostPort{Host: masterHost, Disk: disk})
	if err != nil {
		return "", sdfserr.New(sdfserr.IO, err)
	}
	defer cli.Close()
	return cli.Info(ctx, "replication")
}
