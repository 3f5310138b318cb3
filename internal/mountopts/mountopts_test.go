package mountopts

import "testing"

func TestParseRequiresLowerdir(t *testing.T) {
	if _, err := Parse(""); err == nil {
		t.Fatal("expected error for empty option string")
	}
	if _, err := Parse("upperdir=/u,workdir=/w"); err == nil {
		t.Fatal("expected error when lowerdir is missing")
	}
}

func TestParseRequiresWorkdirWithUpperdir(t *testing.T) {
	if _, err := Parse("lowerdir=/a,upperdir=/u"); err == nil {
		t.Fatal("expected error when upperdir is set without workdir")
	}
}

func TestParseBasic(t *testing.T) {
	opt, err := Parse("lowerdir=/a:/b,upperdir=/u,workdir=/w")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(opt.LowerDirs) != 2 || opt.LowerDirs[0] != "/a" || opt.LowerDirs[1] != "/b" {
		t.Fatalf("LowerDirs = %v", opt.LowerDirs)
	}
	if opt.UpperDir != "/u" || opt.WorkDir != "/w" {
		t.Fatalf("UpperDir/WorkDir = %q/%q", opt.UpperDir, opt.WorkDir)
	}
	if !opt.Fsync {
		t.Fatal("Fsync should default to true")
	}
}

func TestParseRedirectDirRejectsNonOff(t *testing.T) {
	if _, err := Parse("lowerdir=/a,redirect_dir=on"); err == nil {
		t.Fatal("expected error for redirect_dir=on")
	}
	if _, err := Parse("lowerdir=/a,redirect_dir=off"); err != nil {
		t.Fatalf("Parse with redirect_dir=off: %v", err)
	}
}

func TestParseUnknownOption(t *testing.T) {
	if _, err := Parse("lowerdir=/a,bogus=1"); err == nil {
		t.Fatal("expected error for unknown option")
	}
}

func TestParseBoolFlags(t *testing.T) {
	opt, err := Parse("lowerdir=/a,threaded=1,fsync=0,fast_ino=1,writeback=1,noxattrs=1")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !opt.Threaded || opt.Fsync || !opt.FastIno || !opt.Writeback || !opt.NoXattrs {
		t.Fatalf("unexpected flags: %+v", opt)
	}
}

func TestParseVolatileDisablesFsync(t *testing.T) {
	opt, err := Parse("lowerdir=/a,volatile")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if opt.Fsync {
		t.Fatal("volatile should disable fsync")
	}
}

func TestParseUidGidMapping(t *testing.T) {
	opt, err := Parse("lowerdir=/a,uidmapping=100000:0:65536,gidmapping=200000:0:65536")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(opt.UidMappings) != 1 || opt.UidMappings[0].HostBase != 100000 {
		t.Fatalf("UidMappings = %+v", opt.UidMappings)
	}
	if len(opt.GidMappings) != 1 || opt.GidMappings[0].HostBase != 200000 {
		t.Fatalf("GidMappings = %+v", opt.GidMappings)
	}
}

func TestParseMappingRangesRejectsBadArity(t *testing.T) {
	if _, err := Parse("lowerdir=/a,uidmapping=100000:0"); err == nil {
		t.Fatal("expected error for incomplete mapping triple")
	}
}

func TestParseSquashToUid(t *testing.T) {
	opt, err := Parse("lowerdir=/a,squash_to_uid=1000,squash_to_gid=1000")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if opt.SquashToUid == nil || *opt.SquashToUid != 1000 {
		t.Fatalf("SquashToUid = %v", opt.SquashToUid)
	}
	if opt.SquashToGid == nil || *opt.SquashToGid != 1000 {
		t.Fatalf("SquashToGid = %v", opt.SquashToGid)
	}
}

func TestParseXattrPermissionsRange(t *testing.T) {
	if _, err := Parse("lowerdir=/a,xattr_permissions=3"); err == nil {
		t.Fatal("expected error for out-of-range xattr_permissions")
	}
	opt, err := Parse("lowerdir=/a,xattr_permissions=2")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if opt.XattrPermissions != 2 {
		t.Fatalf("XattrPermissions = %d, want 2", opt.XattrPermissions)
	}
}

func TestParsePlugins(t *testing.T) {
	opt, err := Parse("lowerdir=/a,plugins=/p/one.so:/p/two.so")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(opt.Plugins) != 2 || opt.Plugins[1] != "/p/two.so" {
		t.Fatalf("Plugins = %v", opt.Plugins)
	}
}
