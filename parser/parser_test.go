package parser

import "testing"

func TestParseLongRNX3Hourly(t *testing.T) {
	d, err := Parse("ABCD00DNK_R_20191520000_01H_30S_MO.rnx.gz")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Ident.Site != "ABCD00DNK" || d.Ident.Year != 2019 || d.Ident.DOY != 152 {
		t.Fatalf("unexpected ident: %+v", d.Ident)
	}
	if d.Ident.Hour != 'a' {
		t.Fatalf("expected hour letter 'a', got %q", d.Ident.Hour)
	}
	if d.Type != TypeMO || d.Interval != 30 {
		t.Fatalf("unexpected type/interval: %+v", d)
	}
}

func TestParseLongRNX3Daily(t *testing.T) {
	d, err := Parse("ABCD00DNK_R_20191520000_01D_30S_MN.rnx")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Ident.Hour != '0' {
		t.Fatalf("expected daily hour '0', got %q", d.Ident.Hour)
	}
}

func TestParseLongRNX3RejectsNonzeroMinute(t *testing.T) {
	_, err := Parse("ABCD00DNK_R_20191520015_01H_30S_MO.rnx")
	if err != ErrNotRecognized {
		t.Fatalf("expected not-recognized for mi!=0, got %v", err)
	}
}

func TestParseLegacyShort(t *testing.T) {
	d, err := Parse("abcd152a.19o")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Site4 != "ABCD" || d.Ident.Year != 2019 || d.Ident.DOY != 152 || d.Ident.Hour != 'a' {
		t.Fatalf("unexpected descriptor: %+v", d)
	}
	if d.Dialect != DialectRaw {
		t.Fatalf("expected raw dialect, got %v", d.Dialect)
	}
}

func TestParseLegacyShortDailyConvention(t *testing.T) {
	d, err := Parse("abcd1520.19o")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Ident.Hour != '0' {
		t.Fatalf("expected daily hour letter '0', got %q", d.Ident.Hour)
	}
}

func TestParseTrimbleZip(t *testing.T) {
	d, err := Parse("ABCD201906011200B.zip")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Site4 != "ABCD" || d.Ident.Year != 2019 {
		t.Fatalf("unexpected descriptor: %+v", d)
	}
	if d.Dialect != DialectTrimble {
		t.Fatalf("expected trimble dialect, got %v", d.Dialect)
	}
}

func TestParseLeicaZip(t *testing.T) {
	d, err := Parse("abcd152a.19o.zip")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Site4 != "ABCD" || d.Ident.DOY != 152 || d.Ident.Hour != 'a' {
		t.Fatalf("unexpected descriptor: %+v", d)
	}
	if d.Dialect != DialectLeica {
		t.Fatalf("expected leica dialect, got %v", d.Dialect)
	}
}

func TestParseUnrecognized(t *testing.T) {
	if _, err := Parse("not-a-rinex-file.txt"); err != ErrNotRecognized {
		t.Fatalf("expected ErrNotRecognized, got %v", err)
	}
}

func TestTwoDigitYearBoundary(t *testing.T) {
	if y := twoDigitYear(79); y != 2079 {
		t.Fatalf("expected 2079, got %d", y)
	}
	if y := twoDigitYear(80); y != 1980 {
		t.Fatalf("expected 1980, got %d", y)
	}
}

func TestShortCodeToType(t *testing.T) {
	if ft, ok := ShortCodeToType('o'); !ok || ft != TypeMO {
		t.Fatalf("expected MO for 'o', got %v %v", ft, ok)
	}
	if _, ok := ShortCodeToType('z'); ok {
		t.Fatalf("expected unknown code 'z' to miss")
	}
}
