// Package unittest provides a test suite runner.
//
// A test suite is a struct embedding TestSuite. Every method named Test* is
// run as a subtest, surrounded by the optional SetUp and TearDown methods,
// and the whole suite by the optional SetUpSuite and TearDownSuite methods.
package unittest

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	om "github.com/jacobsa/oglematchers"
	"github.com/mgutz/ansi"
)

// Test suite.
type TestSuite struct {
	t *testing.T
}

// Initialize the test suite.
func (s *TestSuite) Initialize(t *testing.T) {
	s.t = t
}

type suiteMethods struct {
	setUpSuite, tearDownSuite, setUp, tearDown reflect.Value
	tests                                      []reflect.Method
}

// Map the methods of a suite.
func mapSuiteMethods(t *testing.T, sType reflect.Type) suiteMethods {
	var m suiteMethods

	for i := 0; i < sType.NumMethod(); i++ {
		meth := sType.Method(i)
		fun := meth.Func

		switch {
		case meth.Name == "SetUpSuite":
			if !funcTakesSelfReturns0(fun) {
				t.Fatalf("Test suite set-up method must have the following signature: SetUpSuite()")
			}
			m.setUpSuite = fun

		case meth.Name == "TearDownSuite":
			if !funcTakesSelfReturns0(fun) {
				t.Fatalf("Test suite tear-down method must have the following signature: TearDownSuite()")
			}
			m.tearDownSuite = fun

		case meth.Name == "SetUp":
			if !funcTakesSelfReturns0(fun) {
				t.Fatalf("Test case set-up method must have the following signature: SetUp()")
			}
			m.setUp = fun

		case meth.Name == "TearDown":
			if !funcTakesSelfReturns0(fun) {
				t.Fatalf("Test case tear-down method must have the following signature: TearDown()")
			}
			m.tearDown = fun

		case strings.HasPrefix(meth.Name, "Test") && len(meth.Name) > 4:
			if !funcTakesSelfReturns0(fun) {
				t.Logf("Ignoring test as it does not match the test method signature: %s", meth.Name)
				continue
			}
			m.tests = append(m.tests, meth)
		}
	}

	return m
}

// Run a test suite.
func RunTestSuite(suite interface{}, t *testing.T) {
	sValue := reflect.ValueOf(suite)
	sType := sValue.Type()
	sIndType := reflect.Indirect(sValue).Type()

	initialize := sValue.MethodByName("Initialize")
	if !initialize.IsValid() {
		t.Fatalf("Test suite %s does not embed unittest.TestSuite", sIndType.Name())
	}

	methods := mapSuiteMethods(t, sType)

	// Set up the test suite.
	initialize.Call([]reflect.Value{reflect.ValueOf(t)})
	if methods.setUpSuite.IsValid() {
		methods.setUpSuite.Call([]reflect.Value{sValue})
	}
	if methods.tearDownSuite.IsValid() {
		defer methods.tearDownSuite.Call([]reflect.Value{sValue})
	}

	t.Log(ansi.Color(sIndType.Name(), "blue"))

	// Run each test method.
	for _, testMethod := range methods.tests {
		fun := testMethod.Func

		t.Run(testMethod.Name, func(t *testing.T) {
			initialize.Call([]reflect.Value{reflect.ValueOf(t)})

			capture := &logCapture{}
			capture.Start()

			defer func() {
				output := capture.Stop()

				result := ansi.Color("OK", "green")
				if t.Failed() {
					result = ansi.Color("FAIL", "red")
				}

				if len(output) > 0 && (t.Failed() || testing.Verbose()) {
					if !strings.HasSuffix(output, "\n") {
						output += "\n"
					}
					t.Logf("%s\n%s\x1b[0m%s",
						ansi.Color("---------------------------> captured log output <--------------------------", "cyan"),
						output,
						ansi.Color("---------------------------< captured log output >--------------------------", "cyan"))
				}
				t.Logf("%s... %s", testMethod.Name, result)
			}()

			if methods.setUp.IsValid() {
				methods.setUp.Call([]reflect.Value{sValue})
			}
			if methods.tearDown.IsValid() {
				defer methods.tearDown.Call([]reflect.Value{sValue})
			}

			fun.Call([]reflect.Value{sValue})
		})
	}

	// Restore the suite's test for the tear-down.
	initialize.Call([]reflect.Value{reflect.ValueOf(t)})
}

func (s *TestSuite) Error(args ...interface{}) {
	s.t.Helper()
	s.t.Error(args...)
}

func (s *TestSuite) Errorf(format string, args ...interface{}) {
	s.t.Helper()
	s.t.Errorf(format, args...)
}

func (s *TestSuite) Fatal(args ...interface{}) {
	s.t.Helper()
	s.t.Fatal(args...)
}

func (s *TestSuite) Fatalf(format string, args ...interface{}) {
	s.t.Helper()
	s.t.Fatalf(format, args...)
}

// Assert equality.
//
// Uses oglematchers semantics, so numeric values of different types compare
// by value.
func (s *TestSuite) AssertEqual(expected, actual interface{}) {
	s.t.Helper()

	if err := om.Equals(expected).Matches(actual); err != nil {
		s.Fatalf("%v is not equal to %v", actual, expected)
	}
}

func (s *TestSuite) AssertIsNil(actual interface{}) {
	s.t.Helper()

	if !isNil(actual) {
		s.Fatalf("%v is not nil", actual)
	}
}

func (s *TestSuite) AssertIsNotNil(actual interface{}) {
	s.t.Helper()

	if isNil(actual) {
		s.Fatalf("%v is nil", actual)
	}
}

// Assert that an error matches a target error.
func (s *TestSuite) AssertErrorIs(err, target error) {
	s.t.Helper()

	if !errors.Is(err, target) {
		s.Fatalf("Expected error %v, got: %v", target, err)
	}
}

func (s *TestSuite) Logf(format string, args ...interface{}) {
	s.t.Helper()
	s.t.Log(fmt.Sprintf(format, args...))
}

func (s *TestSuite) T() *testing.T {
	return s.t
}
