package unittest

import (
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

type recordingSuite struct {
	TestSuite

	calls []string
}

func (s *recordingSuite) SetUpSuite()    { s.calls = append(s.calls, "SetUpSuite") }
func (s *recordingSuite) TearDownSuite() { s.calls = append(s.calls, "TearDownSuite") }
func (s *recordingSuite) SetUp()         { s.calls = append(s.calls, "SetUp") }
func (s *recordingSuite) TearDown()      { s.calls = append(s.calls, "TearDown") }

func (s *recordingSuite) TestFirst() {
	s.calls = append(s.calls, "TestFirst")
	logrus.Info("captured")
	s.AssertEqual(2, int64(2))
}

func (s *recordingSuite) TestSecond() {
	s.calls = append(s.calls, "TestSecond")
	s.AssertIsNil(nil)
	s.AssertIsNotNil(s)
}

// Ignored because of the signature.
func (s *recordingSuite) TestWithArgument(int) {
	s.calls = append(s.calls, "TestWithArgument")
}

func TestRunTestSuite(t *testing.T) {
	s := &recordingSuite{}
	RunTestSuite(s, t)

	expected := "SetUpSuite SetUp TestFirst TearDown SetUp TestSecond TearDown TearDownSuite"
	if actual := strings.Join(s.calls, " "); actual != expected {
		t.Errorf("Expected calls %q, got %q", expected, actual)
	}

	if s.T() != t {
		t.Errorf("Expected the suite to be bound to the parent test after running")
	}
}

func TestLogCapture(t *testing.T) {
	c := &logCapture{}
	c.Start()
	logrus.Warn("hello")
	output := c.Stop()

	if !strings.Contains(output, "hello") {
		t.Errorf("Expected captured output to contain the log line, got %q", output)
	}
}

func TestIsNil(t *testing.T) {
	var nilMap map[string]int
	var nilPtr *int

	for _, v := range []interface{}{nil, nilMap, nilPtr} {
		if !isNil(v) {
			t.Errorf("Expected %#v to be nil", v)
		}
	}

	if isNil(0) || isNil("") {
		t.Errorf("Expected values not to be nil")
	}
}
