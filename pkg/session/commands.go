package session

import (
	"context"
	"fmt"

	"github.com/fako1024/bthalo/pkg/halo"
)

// Send issues a raw command. It requires a ready session and a resolved characteristic,
// otherwise nothing is written and an error is returned. Writes are serialized on the link,
// their failure is logged.
func (m *Manager) Send(cmd halo.Command) error {
	return m.call(func() error {
		return m.send(cmd)
	})
}

// CommitVolume applies a volume slider position (0..10), e.g. upon release of the slider.
// The value is applied locally in any case, halo.ErrNotReady denotes it was not sent.
func (m *Manager) CommitVolume(slider int) error {
	return m.control(func() error {
		values := m.values
		values.Volume = halo.SliderToVolume(slider)
		m.setValues(values)
		return m.apply(halo.VolumeCommand(m.values.Volume), "volume")
	})
}

// CommitElevation applies an elevation slider index (0..100, x10 ft)
func (m *Manager) CommitElevation(index int) error {
	return m.control(func() error {
		values := m.values
		values.Elevation = index
		m.setValues(values)
		return m.apply(halo.ElevationCommand(m.values.Elevation), "elevation")
	})
}

// CommitQNH applies a QNH slider index (0..200, x2 hPa above 800)
func (m *Manager) CommitQNH(index int) error {
	return m.control(func() error {
		values := m.values
		values.QNH = index
		m.setValues(values)
		return m.apply(halo.QNHCommand(m.values.QNH), "QNH")
	})
}

// SetDataSource selects SoftRF (true) or Flarm (false) as data source
func (m *Manager) SetDataSource(softRF bool) error {
	return m.control(func() error {
		values := m.values
		values.SoftRF = softRF
		m.setValues(values)
		m.logger.Debugf("data source changed: %s (%d baud)", values.DataSourceName(), values.BaudRate())
		return m.apply(halo.DataSourceCommand(softRF), values.DataSourceName())
	})
}

// SetTest turns the peripheral test mode on / off
func (m *Manager) SetTest(on bool) error {
	return m.control(func() error {
		if err := m.apply(halo.TestCommand(on), "test"); err != nil {
			return err
		}
		if on {
			m.report("Test ON")
		} else {
			m.report("Test OFF")
		}
		return nil
	})
}

// Flash triggers a flash of the peripheral
func (m *Manager) Flash() error {
	return m.control(func() error {
		if err := m.apply(halo.FlashCommand(), "flash"); err != nil {
			return err
		}
		m.report("Flash command sent")
		return nil
	})
}

// ResetToDefaults restores the default values. If the session is ready, a reset command is sent,
// followed by the default values after a settle delay. Otherwise the defaults are only applied
// locally and halo.ErrNotReady is returned.
func (m *Manager) ResetToDefaults() error {
	return m.control(func() error {
		m.setValues(halo.DefaultValues())

		if m.state != halo.StateReady {
			m.report("Defaults set locally - connect to send to device")
			return fmt.Errorf("%w: defaults set locally", halo.ErrNotReady)
		}

		if err := m.send(halo.ResetCommand()); err != nil {
			m.logger.Warnf("failed to send reset command: %s", err)
		}

		epoch := m.epoch
		m.after(m.timing.ResetSettle, func() {
			if epoch != m.epoch || m.state != halo.StateReady {
				return
			}
			for _, cmd := range halo.ValueCommands(halo.DefaultValues()) {
				if err := m.send(cmd); err != nil {
					m.logger.Warnf("failed to re-issue default %s: %s", cmd.ID, err)
				}
			}
		})

		m.report("Reset to defaults sent")
		return nil
	})
}

// Flush blocks until all operations queued on the link so far have been performed. It
// fails with ErrClosed if the link is torn down before.
func (m *Manager) Flush(ctx context.Context) error {
	done := make(chan error, 1)
	err := m.call(func() error {
		if m.state != halo.StateReady {
			return fmt.Errorf("%w: nothing to flush in state %s", halo.ErrNotReady, m.state)
		}
		return m.queue.enqueue(linkOp{
			kind: opBarrier,
			done: func(_ []byte, err error) {
				done <- err
			},
		})
	})
	if err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

////////////////////////////////////////////////////////////////////////////////

// control runs a user-driven change on the event loop, dropping it while the controls are disabled
func (m *Manager) control(fn func() error) error {
	return m.call(func() error {
		if !controlsEnabled(m.state) {
			m.logger.Debugf("dropping control event in state %s", m.state)
			return halo.ErrControlsLocked
		}
		return fn()
	})
}

func (m *Manager) apply(cmd halo.Command, setting string) error {
	if m.state != halo.StateReady {
		m.report(fmt.Sprintf("Connect to apply %s settings", setting))
		return fmt.Errorf("%w: %s applied locally", halo.ErrNotReady, cmd.ID)
	}
	return m.send(cmd)
}

func (m *Manager) send(cmd halo.Command) error {
	if m.state != halo.StateReady {
		return fmt.Errorf("%w: cannot send %s in state %s", halo.ErrNotReady, cmd.ID, m.state)
	}

	h, ok := m.registry[cmd.ID]
	if !ok {
		m.logger.Errorf("%s characteristic unavailable, cannot write", cmd.ID)
		return fmt.Errorf("%w: %s", halo.ErrCharacteristicUnavailable, cmd.ID)
	}

	epoch := m.epoch
	err := m.queue.enqueue(linkOp{
		kind:    opWrite,
		id:      cmd.ID,
		handle:  h,
		payload: cmd.Payload,
		done: func(_ []byte, err error) {
			m.post(func() { m.onWritten(epoch, cmd, err) })
		},
	})
	if err != nil {
		m.logger.Warnf("failed to queue %s: %s", cmd, err)
		return fmt.Errorf("%w: %s", halo.ErrWrite, err)
	}

	return nil
}

func (m *Manager) onWritten(epoch uint64, cmd halo.Command, err error) {
	if err != nil {
		m.logger.Warnf("%s (ignored)", err)
		return
	}
	if epoch == m.epoch {
		m.logger.Debugf("wrote %s", cmd)
	}
}
